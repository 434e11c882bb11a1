package api

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nexus-run/orchestrator/internal/bus"
)

// newTestBus wires a real bus.Bus against miniredis and an in-memory event
// store, the same grounded pattern internal/bus's own tests use, so handler
// tests exercise the real Publish path instead of a bus double.
func newTestBus(t *testing.T) (*bus.Bus, *fakeEventRepo) {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := newFakeEventRepo()
	return bus.New(client, store, zap.NewNop()), store
}
