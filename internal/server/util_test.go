package server

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestSanitizeBase(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/", ""},
		{"api", "/api"},
		{"/api", "/api"},
		{"/api/", "/api"},
		{" api ", "/api"},
	}
	for _, c := range cases {
		if got := sanitizeBase(c.in); got != c.want {
			t.Fatalf("sanitizeBase(%q)=%q want %q", c.in, got, c.want)
		}
	}
}

func TestCheckLoopback(t *testing.T) {
	for _, ok := range []string{"127.0.0.1:7420", "localhost:0", "[::1]:80"} {
		if err := checkLoopback(ok); err != nil {
			t.Fatalf("%s: %v", ok, err)
		}
	}
	for _, bad := range []string{"0.0.0.0:7420", ":7420", "10.0.0.1:80"} {
		if err := checkLoopback(bad); !errors.Is(err, ErrNotLoopback) {
			t.Fatalf("%s: expected ErrNotLoopback, got %v", bad, err)
		}
	}
	if err := checkLoopback("no-port"); err == nil {
		t.Fatal("expected error for address without port")
	}
}

func TestParseWait(t *testing.T) {
	def := 3 * time.Second
	cases := map[string]time.Duration{
		"":      def,
		"1s":    time.Second,
		"250ms": 250 * time.Millisecond,
		"-1s":   def,
		"0":     def,
		"soon":  def,
	}
	for in, want := range cases {
		if got := parseWait(in, def); got != want {
			t.Fatalf("parseWait(%q)=%v want %v", in, got, want)
		}
	}
}

func TestWriteJSON(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", func(c *gin.Context) { writeJSON(c, 201, map[string]any{"a": 1}) })
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/x", nil))
	if rec.Code != 201 {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type: %s", ct)
	}
}
