package process

import (
	"reflect"
	"testing"
)

func TestTaskkillArgsCoverTree(t *testing.T) {
	got := taskkillArgs(4242)
	want := []string{"/T", "/F", "/PID", "4242"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("taskkillArgs = %v, want %v", got, want)
	}
}
