package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcch "github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/cipherhost/internal/history"
)

func startClickHouse(t *testing.T) Options {
	t.Helper()
	ctx := context.Background()
	ctr, err := tcch.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		tcch.WithUsername("cipher"),
		tcch.WithPassword("secret"),
		tcch.WithDatabase("hostlog"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").WithPort("8123/tcp").WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "start ClickHouse container")
	t.Cleanup(func() { _ = ctr.Terminate(context.Background()) })

	host, err := ctr.Host(ctx)
	require.NoError(t, err)
	port, err := ctr.MappedPort(ctx, "9000/tcp")
	require.NoError(t, err)
	return Options{Addr: host + ":" + port.Port(), Database: "hostlog", Username: "cipher", Password: "secret"}
}

func TestSinkWritesLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("needs docker")
	}
	opts := startClickHouse(t)
	opts.Table = "lifecycle"
	sink, err := New(opts)
	require.NoError(t, err)
	defer func() { assert.NoError(t, sink.Close()) }()

	ctx := context.Background()
	rec := history.Record{PID: 4242, State: "starting", Root: "/opt/cipher", Platform: "desktop"}
	require.NoError(t, sink.Send(ctx, history.New(history.EventStart, rec)))
	rec.State, rec.Error = "failed", "exit status 1"
	require.NoError(t, sink.Send(ctx, history.New(history.EventFailed, rec)))

	var failures uint64
	var lastErr string
	row := sink.conn.QueryRow(ctx, "SELECT count(), any(error) FROM lifecycle WHERE type = 'failed' AND pid = ?", int64(4242))
	require.NoError(t, row.Scan(&failures, &lastErr))
	assert.EqualValues(t, 1, failures)
	assert.Equal(t, "exit status 1", lastErr)

	// reopening reuses the existing table
	again, err := New(opts)
	require.NoError(t, err)
	assert.NoError(t, again.Close())
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New(Options{Addr: "localhost:9000", Table: "x; DROP TABLE y"})
	assert.ErrorContains(t, err, "invalid ClickHouse table name")

	_, err = New(Options{Addr: "invalid-host.invalid:9000"})
	assert.Error(t, err)
}
