// Package presence announces this assistant on the message bus and tracks
// peer nodes (satellites, other desktops) by their heartbeats.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/safwanbuddy/buddy-core/internal/bus"
	"github.com/safwanbuddy/buddy-core/internal/config"
	"github.com/safwanbuddy/buddy-core/internal/events"
	"github.com/safwanbuddy/buddy-core/internal/protocol"
)

const eventSource = "presence"

type Node struct {
	ID       string    `json:"id"`
	Role     string    `json:"role"`
	Intents  []string  `json:"intents,omitempty"`
	Features []string  `json:"features,omitempty"`
	LastSeen time.Time `json:"last_seen"`
	Healthy  bool      `json:"healthy"`
}

// Advertisement is what this node tells its peers it can do.
type Advertisement struct {
	Intents  []string
	Features []string
}

type announceMessage struct {
	NodeID    string    `json:"node_id"`
	Role      string    `json:"role"`
	Intents   []string  `json:"intents"`
	Features  []string  `json:"features,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

type Registry struct {
	cfg    config.NodeConfig
	ad     Advertisement
	log    *slog.Logger
	bus    *bus.Client
	events *events.Bus
	clock  func() time.Time

	mu        sync.RWMutex
	nodes     map[string]*Node
	heartbeat *time.Ticker
	cancel    context.CancelFunc
	subs      []*nats.Subscription
	wg        sync.WaitGroup
	meter     metric.Meter
}

func NewRegistry(ctx context.Context, cfg config.NodeConfig, ad Advertisement, busClient *bus.Client, eventBus *events.Bus, log *slog.Logger) (*Registry, error) {
	return newRegistry(ctx, cfg, ad, busClient, eventBus, log, time.Now)
}

func newRegistry(ctx context.Context, cfg config.NodeConfig, ad Advertisement, busClient *bus.Client, eventBus *events.Bus, log *slog.Logger, clock func() time.Time) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		ad:     ad,
		log:    log.With(slog.String("component", "presence")),
		bus:    busClient,
		events: eventBus,
		clock:  clock,
		nodes:  make(map[string]*Node),
		meter:  otel.Meter("github.com/safwanbuddy/buddy-core/internal/presence"),
		cancel: cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slogError(err))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	r.heartbeat = time.NewTicker(time.Duration(cfg.HeartbeatInterval) * time.Millisecond)
	r.wg.Add(2)
	go r.runHeartbeat(ctx)
	go r.monitorHealth(ctx)

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slogError(err))
	}

	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.heartbeat != nil {
		r.heartbeat.Stop()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
	r.wg.Wait()
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectNodeAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectNodeHeartbeatPrefix+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)

	return nil
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.heartbeat.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slogError(err))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) announce() error {
	msg := announceMessage{
		NodeID:    r.cfg.ID,
		Role:      r.cfg.Role,
		Intents:   r.ad.Intents,
		Features:  r.ad.Features,
		Timestamp: r.clock().UTC(),
	}
	if err := r.bus.PublishJSON(protocol.SubjectNodeAnnounce, msg); err != nil {
		return err
	}
	r.updateNode(msg)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	msg := heartbeatMessage{
		NodeID:    r.cfg.ID,
		Timestamp: r.clock().UTC(),
	}
	return r.bus.PublishJSON(protocol.SubjectNodeHeartbeatPrefix+"."+r.cfg.ID, msg)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid announce message", slogError(err))
		return
	}
	if announcement.NodeID == "" {
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = r.clock().UTC()
	}
	r.updateNode(announcement)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slogError(err))
		return
	}
	if hb.NodeID == "" {
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.clock().UTC()
	}
	r.updateNode(announceMessage{NodeID: hb.NodeID, Timestamp: hb.Timestamp})
}

func (r *Registry) updateNode(msg announceMessage) {
	r.mu.Lock()
	node, ok := r.nodes[msg.NodeID]
	if !ok {
		node = &Node{ID: msg.NodeID}
		r.nodes[msg.NodeID] = node
	}
	if msg.Role != "" {
		node.Role = msg.Role
	}
	if len(msg.Intents) > 0 {
		node.Intents = append([]string(nil), msg.Intents...)
	}
	if len(msg.Features) > 0 {
		node.Features = append([]string(nil), msg.Features...)
	}
	if msg.Timestamp.After(node.LastSeen) {
		node.LastSeen = msg.Timestamp
	}
	changed := !ok || !node.Healthy
	node.Healthy = true
	snapshot := copyNode(node)
	r.mu.Unlock()

	if changed {
		r.changed(snapshot)
	}
}

func (r *Registry) evaluateHealth() {
	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.clock()

	var lost []Node
	r.mu.Lock()
	for _, node := range r.nodes {
		if node.Healthy && now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
			lost = append(lost, copyNode(node))
		}
	}
	r.mu.Unlock()

	sort.Slice(lost, func(i, j int) bool { return lost[i].ID < lost[j].ID })
	for _, node := range lost {
		r.changed(node)
	}
}

func (r *Registry) changed(node Node) {
	r.log.Info("node presence changed",
		slog.String("node_id", node.ID),
		slog.String("role", node.Role),
		slog.Bool("healthy", node.Healthy))
	if r.events != nil {
		r.events.Emit(protocol.EventNodePresenceChanged, node, eventSource, false)
	}
}

// Healthy reports whether this node has seen its own announcement or
// heartbeat within the timeout.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.ID]
	if !ok {
		return false
	}
	return node.Healthy
}

// Query returns known nodes matching filter, sorted by id.
func (r *Registry) Query(filter func(Node) bool) []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []Node
	for _, node := range r.nodes {
		n := copyNode(node)
		if filter == nil || filter(n) {
			results = append(results, n)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	nodes, err := r.meter.Int64ObservableGauge("buddy_presence_nodes", metric.WithDescription("Number of known nodes"))
	if err != nil {
		return err
	}
	healthy, err := r.meter.Int64ObservableGauge("buddy_presence_healthy_nodes", metric.WithDescription("Nodes seen within the heartbeat timeout"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		total, up := r.snapshotCounts()
		obs.ObserveInt64(nodes, total)
		obs.ObserveInt64(healthy, up)
		return nil
	}, nodes, healthy)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total, up int64
	for _, node := range r.nodes {
		total++
		if node.Healthy {
			up++
		}
	}
	return total, up
}

func copyNode(n *Node) Node {
	out := *n
	out.Intents = append([]string(nil), n.Intents...)
	out.Features = append([]string(nil), n.Features...)
	return out
}

// HandlesIntent matches nodes advertising the intent type.
func HandlesIntent(name string) func(Node) bool {
	return func(node Node) bool {
		for _, in := range node.Intents {
			if in == name {
				return true
			}
		}
		return false
	}
}

// HealthyOnly matches nodes seen within the heartbeat timeout.
func HealthyOnly(node Node) bool { return node.Healthy }

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
