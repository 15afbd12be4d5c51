// Package registry tracks which engine processes and voices are alive, based on the
// heartbeats they publish on the bus.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-live/internal/config"
	"github.com/loqalabs/loqa-live/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type NodeInfo struct {
	ID       string    `json:"id"`
	Role     string    `json:"role"`
	LastSeen time.Time `json:"last_seen"`
	Healthy  bool      `json:"healthy"`
}

type VoiceInfo struct {
	ID        string                `json:"id"`
	Generator string                `json:"generator"`
	State     string                `json:"state"`
	Cycles    int64                 `json:"cycles"`
	Failures  int64                 `json:"failures"`
	LastCycle *protocol.CycleReport `json:"last_cycle,omitempty"`
	LastSeen  time.Time             `json:"last_seen"`
	Healthy   bool                  `json:"healthy"`
}

type Registry struct {
	cfg       config.RegistryConfig
	nodeID    string
	role      string
	log       *slog.Logger
	conn      *nats.Conn
	mu        sync.RWMutex
	nodes     map[string]*NodeInfo
	voices    map[string]*VoiceInfo
	cancel    context.CancelFunc
	subs      []*nats.Subscription
	meter     metric.Meter
	nodeGauge metric.Int64ObservableGauge
	liveGauge metric.Int64ObservableGauge
	clock     func() time.Time
}

// New subscribes to heartbeats and starts publishing this process's own.
func New(ctx context.Context, cfg config.RegistryConfig, nodeID, role string, conn *nats.Conn, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		nodeID: nodeID,
		role:   role,
		log:    log.With(slog.String("component", "registry")),
		conn:   conn,
		nodes:  make(map[string]*NodeInfo),
		voices: make(map[string]*VoiceInfo),
		meter:  otel.Meter("github.com/loqalabs/loqa-live/registry"),
		cancel: cancel,
		clock:  time.Now,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.Close()
		return nil, err
	}

	go r.runHeartbeat(ctx, time.Duration(cfg.HeartbeatInterval)*time.Millisecond)
	go r.monitorHealth(ctx)

	if err := r.publishHeartbeat(); err != nil {
		r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
	}
	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
	r.subs = nil
}

func (r *Registry) subscribe() error {
	for subject, handler := range map[string]nats.MsgHandler{
		protocol.SubjectNodeHeartbeatPrefix + ".*":  r.handleNodeHeartbeat,
		protocol.SubjectVoiceHeartbeatPrefix + ".*": r.handleVoiceHeartbeat,
		protocol.SubjectVoiceCyclePrefix + ".*":     r.handleCycle,
	} {
		sub, err := r.conn.Subscribe(subject, handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		r.subs = append(r.subs, sub)
	}
	return r.conn.Flush()
}

func (r *Registry) runHeartbeat(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
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

func (r *Registry) publishHeartbeat() error {
	msg := protocol.NodeHeartbeat{NodeID: r.nodeID, Role: r.role, Timestamp: r.clock().UTC()}
	if err := r.publish(protocol.SubjectNodeHeartbeatPrefix, r.nodeID, msg); err != nil {
		return err
	}
	r.updateNode(msg)
	return nil
}

// PublishVoice announces a voice's status. Voices call it on every state change.
func (r *Registry) PublishVoice(status protocol.VoiceStatus) error {
	if status.Timestamp.IsZero() {
		status.Timestamp = r.clock().UTC()
	}
	return r.publish(protocol.SubjectVoiceHeartbeatPrefix, status.Voice, status)
}

// PublishCycle announces the outcome of a render cycle.
func (r *Registry) PublishCycle(report protocol.CycleReport) error {
	return r.publish(protocol.SubjectVoiceCyclePrefix, report.Voice, report)
}

func (r *Registry) publish(prefix, id string, msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.conn.Publish(prefix+"."+subjectToken(id), payload)
}

func (r *Registry) handleNodeHeartbeat(msg *nats.Msg) {
	var hb protocol.NodeHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.clock().UTC()
	}
	r.updateNode(hb)
}

func (r *Registry) handleVoiceHeartbeat(msg *nats.Msg) {
	var status protocol.VoiceStatus
	if err := json.Unmarshal(msg.Data, &status); err != nil || status.Voice == "" {
		r.log.Warn("invalid voice heartbeat", slog.String("subject", msg.Subject))
		return
	}
	if status.Timestamp.IsZero() {
		status.Timestamp = r.clock().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	voice := r.voice(status.Voice)
	voice.Generator = status.Generator
	voice.State = status.State
	voice.Cycles = status.Cycles
	voice.Failures = status.Failures
	voice.LastSeen = status.Timestamp
	voice.Healthy = true
}

func (r *Registry) handleCycle(msg *nats.Msg) {
	var report protocol.CycleReport
	if err := json.Unmarshal(msg.Data, &report); err != nil || report.Voice == "" {
		r.log.Warn("invalid cycle report", slog.String("subject", msg.Subject))
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.voice(report.Voice).LastCycle = &report
}

// voice returns the entry for id, creating it. Callers hold mu.
func (r *Registry) voice(id string) *VoiceInfo {
	v, ok := r.voices[id]
	if !ok {
		v = &VoiceInfo{ID: id}
		r.voices[id] = v
	}
	return v
}

func (r *Registry) updateNode(hb protocol.NodeHeartbeat) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[hb.NodeID]
	if !ok {
		node = &NodeInfo{ID: hb.NodeID}
		r.nodes[hb.NodeID] = node
	}
	if hb.Role != "" {
		node.Role = hb.Role
	}
	node.LastSeen = hb.Timestamp
	node.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.clock()
	for _, node := range r.nodes {
		if now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
		}
	}
	for _, voice := range r.voices {
		if now.Sub(voice.LastSeen) > timeout {
			voice.Healthy = false
		}
	}
}

// Healthy reports whether this process's own heartbeat is current.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.nodeID]
	if !ok {
		return false
	}
	return node.Healthy
}

func (r *Registry) Nodes() []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	results := make([]NodeInfo, 0, len(r.nodes))
	for _, node := range r.nodes {
		results = append(results, *node)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

func (r *Registry) Voices() []VoiceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	results := make([]VoiceInfo, 0, len(r.voices))
	for _, voice := range r.voices {
		results = append(results, *voice)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

func (r *Registry) initMetrics() error {
	nodes, err := r.meter.Int64ObservableGauge("loqa.live.registry.nodes", metric.WithDescription("Number of known engine processes"))
	if err != nil {
		return err
	}
	live, err := r.meter.Int64ObservableGauge("loqa.live.registry.voices_healthy", metric.WithDescription("Voices with a current heartbeat"))
	if err != nil {
		return err
	}
	r.nodeGauge = nodes
	r.liveGauge = live
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		n, v := r.snapshotCounts()
		obs.ObserveInt64(nodes, n)
		obs.ObserveInt64(live, v)
		return nil
	}, nodes, live)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var healthy int64
	for _, voice := range r.voices {
		if voice.Healthy {
			healthy++
		}
	}
	return int64(len(r.nodes)), healthy
}

// subjectToken keeps ids with dots or wildcards from splitting the subject.
func subjectToken(id string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(id)
}
