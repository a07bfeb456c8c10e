package platform

import (
	"path/filepath"
	"testing"
)

func TestForGOOS(t *testing.T) {
	cases := map[string]Platform{
		"android": Android,
		"ios":     IOS,
		"linux":   Desktop,
		"darwin":  Desktop,
		"windows": Desktop,
	}
	for goos, want := range cases {
		if got := ForGOOS(goos); got != want {
			t.Fatalf("ForGOOS(%q)=%q want %q", goos, got, want)
		}
	}
}

func TestParse(t *testing.T) {
	p, err := Parse(" Android ")
	if err != nil || p != Android {
		t.Fatalf("Parse android: %v %v", p, err)
	}
	if p, err := Parse(""); err != nil || p != Current() {
		t.Fatalf("empty should select current: %v %v", p, err)
	}
	if _, err := Parse("windows-phone"); err == nil {
		t.Fatalf("expected error for unknown platform")
	}
}

func TestDatabasePaths(t *testing.T) {
	dir := filepath.Join("data", "app")
	got := IOS.DatabasePath(dir)
	want := filepath.Join(dir, "storage", "ios.sqlite3")
	if got != want {
		t.Fatalf("DatabasePath=%q want %q", got, want)
	}
	if u := DatabaseURL("/tmp/x/desktop.sqlite3"); u != "sqlite3:///tmp/x/desktop.sqlite3" {
		t.Fatalf("DatabaseURL=%q", u)
	}
	if !Android.IsMobile() || Desktop.IsMobile() {
		t.Fatalf("IsMobile mismatch")
	}
}
