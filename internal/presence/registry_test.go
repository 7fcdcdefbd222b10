package presence

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/safwanbuddy/buddy-core/internal/bus"
	"github.com/safwanbuddy/buddy-core/internal/config"
	"github.com/safwanbuddy/buddy-core/internal/events"
	"github.com/safwanbuddy/buddy-core/internal/natsserver"
	"github.com/safwanbuddy/buddy-core/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func connect(t *testing.T) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Enabled: true, Embedded: true, Port: -1, StoreDir: t.TempDir()}, newLogger())
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, newLogger())
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func TestPresenceTracksPeers(t *testing.T) {
	client := connect(t)
	eventBus := events.New(events.DefaultOptions(), newLogger())

	var (
		mu      sync.Mutex
		changes []Node
	)
	eventBus.SubscribeFunc(protocol.EventNodePresenceChanged, func(ev events.Event) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, ev.Payload.(Node))
	}, "test")
	peerChanges := func() []Node {
		mu.Lock()
		defer mu.Unlock()
		var out []Node
		for _, n := range changes {
			if n.ID == "kitchen" {
				out = append(out, n)
			}
		}
		return out
	}

	clock := &fakeClock{now: time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)}
	cfg := config.NodeConfig{ID: "desk", Role: "assistant", HeartbeatInterval: 3600000, HeartbeatTimeout: 6000}
	reg, err := newRegistry(context.Background(), cfg, Advertisement{Intents: []string{"time", "date"}, Features: []string{"tts"}}, client, eventBus, newLogger(), clock.Now)
	require.NoError(t, err)
	t.Cleanup(reg.Close)

	require.True(t, reg.Healthy())
	self := reg.Query(HandlesIntent("time"))
	require.Len(t, self, 1)
	require.Equal(t, "desk", self[0].ID)

	require.NoError(t, client.PublishJSON(protocol.SubjectNodeAnnounce, announceMessage{
		NodeID:    "kitchen",
		Role:      "satellite",
		Intents:   []string{"music_control"},
		Timestamp: clock.Now(),
	}))
	require.Eventually(t, func() bool { return len(reg.Query(HandlesIntent("music_control"))) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Len(t, reg.Query(HealthyOnly), 2)

	clock.Advance(10 * time.Second)
	reg.evaluateHealth()
	require.False(t, reg.Healthy())
	require.Empty(t, reg.Query(HealthyOnly))

	require.NoError(t, client.PublishJSON(protocol.SubjectNodeHeartbeatPrefix+".kitchen", heartbeatMessage{NodeID: "kitchen", Timestamp: clock.Now()}))
	require.Eventually(t, func() bool { return len(reg.Query(HealthyOnly)) == 1 }, 2*time.Second, 10*time.Millisecond)

	got := peerChanges()
	require.Len(t, got, 3)
	require.True(t, got[0].Healthy)
	require.False(t, got[1].Healthy)
	require.True(t, got[2].Healthy)
	require.Equal(t, "satellite", got[2].Role)

	total, up := reg.snapshotCounts()
	require.Equal(t, int64(2), total)
	require.Equal(t, int64(1), up)
}
