package fallback

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := New(cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return")
		}
	})
	return s
}

func roundTrip(t *testing.T, addr, request string) string {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	if request != "" {
		_, err = conn.Write([]byte(request))
		require.NoError(t, err)
	} else {
		_ = conn.(*net.TCPConn).CloseWrite()
	}
	b, err := io.ReadAll(conn)
	require.NoError(t, err)
	return string(b)
}

func TestRespondRoutes(t *testing.T) {
	tests := []struct {
		name   string
		req    string
		status int
		route  string
	}{
		{"home", "GET / HTTP/1.1\r\nHost: x\r\n\r\n", 200, RouteHome},
		{"signup new", "GET /users/new HTTP/1.1\r\n\r\n", 200, RouteSignup},
		{"signup", "GET /users/sign_up HTTP/1.1\r\n\r\n", 200, RouteSignup},
		{"signin", "GET /users/sign_in HTTP/1.1\r\n\r\n", 200, RouteSignin},
		{"hosting", "GET /users/local_hosting HTTP/1.1\r\n\r\n", 200, RouteHosting},
		{"dashboard", "GET /users/host_dashboard HTTP/1.1\r\n\r\n", 200, RouteDashboard},
		{"query stripped", "GET /users/sign_in?next=/ HTTP/1.1\r\n\r\n", 200, RouteSignin},
		{"unmatched is home", "GET /definitely/not/here HTTP/1.1\r\n\r\n", 200, RouteHome},
		{"method ignored", "DELETE /users/new HTTP/1.1\r\n\r\n", 200, RouteSignup},
		{"asset", "GET /assets/application.css HTTP/1.1\r\n\r\n", 404, RouteAsset},
		{"asset with query", "GET /assets/app.js?v=3 HTTP/1.1\r\n\r\n", 404, RouteAsset},
		{"query on unknown path", "GET /nope?next=/users/sign_in HTTP/1.1\r\n\r\n", 200, RouteHome},
		{"empty", "", 500, RouteError},
		{"blank line", "\r\n", 500, RouteError},
		{"one token", "GET\r\n\r\n", 500, RouteError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Respond([]byte(tt.req), ModeNormal)
			assert.Equal(t, tt.status, r.Status)
			assert.Equal(t, tt.route, r.Route)
		})
	}
}

func TestRespondErrorDescriptions(t *testing.T) {
	assert.Contains(t, Respond(nil, ModeNormal).Body, "Empty request")
	assert.Contains(t, Respond([]byte("GET\r\n"), ModeNormal).Body, "Malformed request line")
}

func TestRespondStartingMode(t *testing.T) {
	r := Respond([]byte("GET /users/sign_in HTTP/1.1\r\n\r\n"), ModeStarting)
	assert.Equal(t, 200, r.Status)
	assert.Equal(t, RouteStarting, r.Route)
	assert.Contains(t, r.Body, "starting")

	r = Respond([]byte("GET /assets/app.js HTTP/1.1\r\n\r\n"), ModeStarting)
	assert.Equal(t, 404, r.Status)
}

func TestResponseBytesHeaders(t *testing.T) {
	out := string(Response{Status: 404, Reason: "Not Found", ContentType: "text/plain", Body: "Asset not found"}.Bytes())
	assert.Equal(t, "HTTP/1.1 404 Not Found\r\nContent-Type: text/plain\r\nContent-Length: 15\r\nConnection: close\r\n\r\nAsset not found", out)
}

func TestServeHome(t *testing.T) {
	s := startServer(t, Config{})
	out := roundTrip(t, s.Addr(), "GET / HTTP/1.1\r\nHost: 127.0.0.1\r\n\r\n")
	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n"), out)
	assert.Contains(t, out, "Cipher")
	assert.Contains(t, out, "Connection: close")
}

func TestServeAssetNotFound(t *testing.T) {
	s := startServer(t, Config{})
	out := roundTrip(t, s.Addr(), "GET /assets/x.css HTTP/1.1\r\n\r\n")
	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 404 Not Found"), out)
	assert.True(t, strings.HasSuffix(out, "Asset not found"))
}

func TestServeMalformed(t *testing.T) {
	s := startServer(t, Config{})

	out := roundTrip(t, s.Addr(), "GARBAGE\r\n\r\n")
	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 500 Internal Server Error"), out)
	assert.Contains(t, out, "Malformed request line")

	out = roundTrip(t, s.Addr(), "")
	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 500"), out)
	assert.Contains(t, out, "Empty request")
}

func TestServeModeSwitch(t *testing.T) {
	s := startServer(t, Config{Mode: ModeStarting})
	assert.Contains(t, roundTrip(t, s.Addr(), "GET / HTTP/1.1\r\n\r\n"), "Backend server starting")

	s.SetMode(ModeNormal)
	out := roundTrip(t, s.Addr(), "GET / HTTP/1.1\r\n\r\n")
	assert.NotContains(t, out, "Backend server starting")
	assert.Contains(t, out, "Secure, decentralized communication")
}

func TestServeBoundedConcurrent(t *testing.T) {
	s := startServer(t, Config{MaxConns: 2})
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.DialTimeout("tcp", s.Addr(), 2*time.Second)
			if err != nil {
				t.Error(err)
				return
			}
			defer func() { _ = conn.Close() }()
			_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
			_, _ = conn.Write([]byte("GET /users/sign_in HTTP/1.1\r\n\r\n"))
			b, err := io.ReadAll(conn)
			if err != nil {
				t.Error(err)
				return
			}
			if !strings.HasPrefix(string(b), "HTTP/1.1 200 OK") {
				t.Errorf("unexpected response %q", firstLine(b))
			}
		}()
	}
	wg.Wait()
}

func TestNewRejectsNonLoopback(t *testing.T) {
	for _, addr := range []string{"0.0.0.0:0", "192.0.2.1:3000", ":3000", "example.com:80"} {
		_, err := New(Config{Listen: addr})
		assert.True(t, errors.Is(err, ErrNotLoopback), "%s: %v", addr, err)
	}
	_, err := New(Config{Listen: "nonsense"})
	assert.Error(t, err)
	_, err = New(Config{Listen: "127.0.0.1:0", MaxConns: -1})
	assert.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	s, err := New(Config{Listen: "[::1]:0"})
	if err != nil {
		t.Skipf("ipv6 loopback unavailable: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- s.Serve(context.Background()) }()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
	assert.True(t, strings.HasPrefix(s.URL(), "http://[::1]:"))
}
