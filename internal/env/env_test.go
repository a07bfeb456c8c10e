package env

import (
	"strings"
	"testing"
)

func TestMergePrecedence(t *testing.T) {
	e := New().WithBase([]string{"PATH=/usr/bin", "RAILS_ENV=development", "HOME=/home/u"})
	e.Set("RAILS_ENV", "test")
	out := e.Merge(Backend("desktop", "sqlite3:///data/storage/desktop.sqlite3"))

	if v, _ := Lookup(out, KeyRuntimeMode); v != "desktop" {
		t.Fatalf("override must win, got %q", v)
	}
	if v, _ := Lookup(out, KeyDatabaseURL); v != "sqlite3:///data/storage/desktop.sqlite3" {
		t.Fatalf("DATABASE_URL=%q", v)
	}
	if v, _ := Lookup(out, "PATH"); v != "/usr/bin" {
		t.Fatalf("base var lost: %q", v)
	}
	for i := 1; i < len(out); i++ {
		if out[i-1] > out[i] {
			t.Fatalf("output not sorted: %v", out)
		}
	}
}

func TestMergeExpandsReferences(t *testing.T) {
	e := New().WithBase([]string{"DATA=/var/lib/cipher"})
	e.SetAll([]string{"STORAGE=${DATA}/storage", "bogus", "=x"})
	out := e.Merge(nil)
	if v, _ := Lookup(out, "STORAGE"); v != "/var/lib/cipher/storage" {
		t.Fatalf("expansion failed: %q", v)
	}
	for _, kv := range out {
		if strings.HasPrefix(kv, "=") || !strings.Contains(kv, "=") {
			t.Fatalf("malformed entry leaked: %q", kv)
		}
	}
}

func TestBackendWithoutDatabase(t *testing.T) {
	got := Backend("ios", "")
	if len(got) != 1 || got[0] != "RAILS_ENV=ios" {
		t.Fatalf("unexpected %v", got)
	}
}

func TestUnset(t *testing.T) {
	e := New().WithBase(nil)
	e.Set("A", "1")
	e.Unset("A")
	if _, ok := Lookup(e.Merge(nil), "A"); ok {
		t.Fatalf("A should be removed")
	}
}
