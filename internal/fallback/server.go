// Package fallback is a tiny loopback page server used when the backend is
// unavailable (mobile targets, missing bundle) or still starting.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/loykin/cipherhost/internal/metrics"
)

const (
	DefaultListen = "127.0.0.1:3000"
	// readSize bounds the single read taken from each connection.
	readSize           = 1024
	defaultReadTimeout = 10 * time.Second
)

// Mode selects which pages are served.
type Mode int32

const (
	// ModeNormal serves the route table.
	ModeNormal Mode = iota
	// ModeStarting answers every non-asset route with the starting page.
	ModeStarting
)

func (m Mode) String() string {
	if m == ModeStarting {
		return "starting"
	}
	return "normal"
}

// ErrNotLoopback is returned by New for an address outside the loopback range.
var ErrNotLoopback = errors.New("fallback server must listen on a loopback address")

type Config struct {
	Listen string
	// MaxConns bounds concurrent connections; 0 means unbounded.
	MaxConns    int64
	ReadTimeout time.Duration
	Mode        Mode
	Logger      *slog.Logger
}

type Server struct {
	ln          net.Listener
	sem         *semaphore.Weighted
	readTimeout time.Duration
	logger      *slog.Logger
	mode        atomic.Int32

	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

// New binds the listener. Port 0 picks a free port; see Addr.
func New(cfg Config) (*Server, error) {
	addr := cfg.Listen
	if addr == "" {
		addr = DefaultListen
	}
	if err := checkLoopback(addr); err != nil {
		return nil, err
	}
	if cfg.MaxConns < 0 {
		return nil, fmt.Errorf("max_conns must be >= 0, got %d", cfg.MaxConns)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	lg := cfg.Logger
	if lg == nil {
		lg = slog.Default()
	}
	s := &Server{
		ln:          ln,
		readTimeout: cfg.ReadTimeout,
		logger:      lg.With("component", "fallback"),
		closed:      make(chan struct{}),
	}
	if s.readTimeout <= 0 {
		s.readTimeout = defaultReadTimeout
	}
	if cfg.MaxConns > 0 {
		s.sem = semaphore.NewWeighted(cfg.MaxConns)
	}
	s.mode.Store(int32(cfg.Mode))
	return s, nil
}

func checkLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("%w: %s", ErrNotLoopback, addr)
	}
	return nil
}

// Addr is the bound host:port.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// URL is the address a web view should load.
func (s *Server) URL() string { return "http://" + s.Addr() }

func (s *Server) SetMode(m Mode) {
	if Mode(s.mode.Swap(int32(m))) != m {
		s.logger.Debug("fallback mode changed", "mode", m)
	}
}

func (s *Server) Mode() Mode { return Mode(s.mode.Load()) }

// Serve accepts connections until ctx ends or Close is called. Accept errors
// other than shutdown are logged and the loop continues.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.closed:
		}
	}()
	s.logger.Info("fallback server listening", "addr", s.Addr(), "mode", s.Mode())
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.closed:
				s.wg.Wait()
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			s.logger.Warn("accept failed", "error", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if s.sem != nil {
			if err := s.sem.Acquire(ctx, 1); err != nil {
				_ = conn.Close()
				continue
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if s.sem != nil {
				defer s.sem.Release(1)
			}
			s.handle(conn)
		}()
	}
}

// Close stops accepting. In-flight connections finish on their own.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.ln.Close()
		s.logger.Info("fallback server closed", "addr", s.Addr())
	})
	return err
}

func (s *Server) handle(conn net.Conn) {
	metrics.AddFallbackConns(1)
	defer metrics.AddFallbackConns(-1)
	defer func() { _ = conn.Close() }()

	_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	buf := make([]byte, readSize)
	n, err := conn.Read(buf)
	if err != nil && n == 0 && !errors.Is(err, io.EOF) {
		s.logger.Debug("read failed", "remote", conn.RemoteAddr(), "error", err)
		return
	}
	resp := Respond(buf[:n], s.Mode())
	s.logger.Debug("fallback request", "line", firstLine(buf[:n]), "route", resp.Route, "status", resp.Status)
	metrics.IncFallbackRequest(resp.Route, resp.Status)
	_ = conn.SetWriteDeadline(time.Now().Add(s.readTimeout))
	if _, err := conn.Write(resp.Bytes()); err != nil {
		s.logger.Debug("write failed", "remote", conn.RemoteAddr(), "error", err)
	}
}

func firstLine(b []byte) string {
	for i, c := range b {
		if c == '\r' || c == '\n' {
			return string(b[:i])
		}
	}
	return string(b)
}
