package supervisor

import (
	"context"
	"net"
	"time"
)

type probeResult int

const (
	probeReady probeResult = iota
	probeExited
	probeTimeout
	probeCancelled
)

func (r probeResult) String() string {
	switch r {
	case probeReady:
		return "ready"
	case probeExited:
		return "exited"
	case probeTimeout:
		return "timeout"
	default:
		return "cancelled"
	}
}

// reachable reports whether something accepts TCP connections on addr.
func reachable(addr string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// waitReady polls addr every interval until it accepts a connection, exited
// is closed, limit elapses (0 = no limit) or ctx ends.
func waitReady(ctx context.Context, addr string, interval, limit time.Duration, exited <-chan struct{}) probeResult {
	var deadline <-chan time.Time
	if limit > 0 {
		timer := time.NewTimer(limit)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if reachable(addr, interval) {
			return probeReady
		}
		select {
		case <-exited:
			return probeExited
		case <-ctx.Done():
			return probeCancelled
		case <-deadline:
			return probeTimeout
		case <-ticker.C:
		}
	}
}
