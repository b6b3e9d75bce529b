// Package session manages the engagement registry: creation, the pre-flight
// gate, lifecycle transitions, client fan-out subscriptions and checkpoint
// hand-off.
//
// Pause and resume are hot operations: they only move the state machine and
// never touch disk. Stop transitions first and only then writes the
// checkpoint, so a second stop fails before any I/O.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cyberred/cyberred/internal/checkpoint"
	"github.com/cyberred/cyberred/internal/config"
	"github.com/cyberred/cyberred/internal/engagement"
	"github.com/cyberred/cyberred/internal/models"
	"github.com/cyberred/cyberred/internal/preflight"
)

// Event is a fan-out notification relayed to attached clients.
type Event struct {
	Type      string                 `json:"event_type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp string                 `json:"timestamp"`
}

// Callback receives events for one subscription. A callback that returns an
// error (broken pipe, closed socket) or panics is removed automatically; the
// engagement keeps running.
type Callback func(Event) error

// StateChangePublisher republishes lifecycle transitions, breaking the
// dependency cycle between the manager, its state machines and the bus.
type StateChangePublisher interface {
	PublishStateChange(ctx context.Context, engagementID string, from, to engagement.State)
}

// PreflightRunner runs the readiness checks for an engagement start.
type PreflightRunner interface {
	Run(ctx context.Context) []preflight.CheckResult
}

// CheckpointStore persists and deletes engagement snapshots.
type CheckpointStore interface {
	Save(ctx context.Context, snap *checkpoint.Snapshot, scopePath string) (string, error)
	Delete(engagementID string) error
}

// Context is the in-memory state of one engagement.
type Context struct {
	ID         string
	Name       string
	ConfigPath string
	ScopePath  string
	Machine    *engagement.StateMachine
	CreatedAt  time.Time

	mu       sync.Mutex
	agents   []checkpoint.AgentSnapshot
	findings []*models.Finding

	subMu sync.Mutex
	subs  map[string]Callback
}

// AddFinding records a finding in hot state.
func (c *Context) AddFinding(f *models.Finding) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.findings = append(c.findings, f)
}

// FindingCount returns the number of recorded findings.
func (c *Context) FindingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.findings)
}

// UpsertAgent records or replaces an agent snapshot in hot state.
func (c *Context) UpsertAgent(a checkpoint.AgentSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.agents {
		if existing.AgentID == a.AgentID {
			c.agents[i] = a
			return
		}
	}
	c.agents = append(c.agents, a)
}

// AgentCount returns the number of tracked agents.
func (c *Context) AgentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.agents)
}

func (c *Context) snapshot() *checkpoint.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &checkpoint.Snapshot{
		EngagementID: c.ID,
		Name:         c.Name,
		State:        string(c.Machine.Current()),
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    time.Now().UTC(),
		Agents:       append([]checkpoint.AgentSnapshot(nil), c.agents...),
		Findings:     append([]*models.Finding(nil), c.findings...),
	}
}

// Manager is the engagement registry.
type Manager struct {
	maxEngagements int
	publisher      StateChangePublisher
	preflight      PreflightRunner
	checkpoints    CheckpointStore

	mu          sync.Mutex
	engagements map[string]*Context

	log *slog.Logger
}

// Options wires the manager's collaborators.
type Options struct {
	MaxEngagements int
	Publisher      StateChangePublisher
	Preflight      PreflightRunner
	Checkpoints    CheckpointStore
}

// NewManager builds an empty registry.
func NewManager(opts Options) *Manager {
	if opts.MaxEngagements <= 0 {
		opts.MaxEngagements = 5
	}
	return &Manager{
		maxEngagements: opts.MaxEngagements,
		publisher:      opts.Publisher,
		preflight:      opts.Preflight,
		checkpoints:    opts.Checkpoints,
		engagements:    make(map[string]*Context),
		log:            slog.Default().With("component", "session"),
	}
}

// CreateEngagement parses the engagement config and registers a new context
// in INITIALIZING. The state machine gets a listener republishing every
// transition on engagement:<id>:state.
func (m *Manager) CreateEngagement(configPath string) (*Context, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.engagements) >= m.maxEngagements {
		return nil, &config.Error{Reason: fmt.Sprintf("engagement limit reached (%d)", m.maxEngagements)}
	}

	id := uuid.New().String()
	ec := &Context{
		ID:         id,
		Name:       cfg.Engagement.Name,
		ConfigPath: configPath,
		ScopePath:  cfg.Scope.Path,
		Machine:    engagement.New(id),
		CreatedAt:  time.Now().UTC(),
		subs:       make(map[string]Callback),
	}
	if m.publisher != nil {
		ec.Machine.AddListener(engagement.Sync(func(from, to engagement.State) {
			m.publisher.PublishStateChange(context.Background(), id, from, to)
		}))
	}
	ec.Machine.AddListener(engagement.Sync(func(from, to engagement.State) {
		m.BroadcastEvent(id, Event{
			Type:      "state_change",
			Data:      map[string]interface{}{"from": string(from), "to": string(to)},
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		})
	}))

	m.engagements[id] = ec
	m.log.Info("engagement created", "engagement_id", id, "name", ec.Name)
	return ec, nil
}

// Get returns an engagement context.
func (m *Manager) Get(id string) (*Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ec, ok := m.engagements[id]
	if !ok {
		return nil, fmt.Errorf("unknown engagement %q", id)
	}
	return ec, nil
}

// List returns all registered contexts.
func (m *Manager) List() []*Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Context, 0, len(m.engagements))
	for _, ec := range m.engagements {
		out = append(out, ec)
	}
	return out
}

// StartEngagement gates INITIALIZING→RUNNING behind the config still being
// openable and the pre-flight checks passing.
func (m *Manager) StartEngagement(ctx context.Context, id string, ignoreWarnings bool) error {
	ec, err := m.Get(id)
	if err != nil {
		return err
	}

	if _, err := os.Stat(ec.ConfigPath); err != nil {
		return &config.Error{Path: ec.ConfigPath, Reason: err.Error()}
	}

	if m.preflight != nil {
		results := m.preflight.Run(ctx)
		if err := preflight.ValidateResults(results, ignoreWarnings); err != nil {
			return err
		}
	}

	return ec.Machine.Start()
}

// PauseEngagement suspends an engagement. Hot operation: state stays in
// memory, nothing is written.
func (m *Manager) PauseEngagement(id string) error {
	ec, err := m.Get(id)
	if err != nil {
		return err
	}
	return ec.Machine.Pause()
}

// ResumeEngagement resumes a paused engagement. Hot operation.
func (m *Manager) ResumeEngagement(id string) error {
	ec, err := m.Get(id)
	if err != nil {
		return err
	}
	return ec.Machine.Resume()
}

// StopEngagement transitions to STOPPED and then writes the signed
// checkpoint, returning its path. The transition happens first: stopping an
// already-stopped engagement fails before any disk I/O.
func (m *Manager) StopEngagement(ctx context.Context, id string) (string, error) {
	ec, err := m.Get(id)
	if err != nil {
		return "", err
	}
	if err := ec.Machine.Stop(); err != nil {
		return "", err
	}
	if m.checkpoints == nil {
		return "", nil
	}
	path, err := m.checkpoints.Save(ctx, ec.snapshot(), ec.ScopePath)
	if err != nil {
		return "", fmt.Errorf("checkpoint after stop: %w", err)
	}
	m.log.Info("engagement stopped", "engagement_id", id, "checkpoint", path)
	return path, nil
}

// RemoveEngagement deletes the engagement's checkpoints and drops it from
// the registry.
func (m *Manager) RemoveEngagement(id string) error {
	ec, err := m.Get(id)
	if err != nil {
		return err
	}
	if m.checkpoints != nil {
		if err := m.checkpoints.Delete(ec.ID); err != nil {
			return err
		}
	}
	m.mu.Lock()
	delete(m.engagements, id)
	m.mu.Unlock()
	return nil
}

// SubscribeToEngagement registers a fan-out callback and returns its
// subscription id. Subscriptions never own engagement lifetime: when every
// client detaches, the engagement keeps running.
func (m *Manager) SubscribeToEngagement(id string, cb Callback) (string, error) {
	ec, err := m.Get(id)
	if err != nil {
		return "", err
	}
	subID := uuid.New().String()
	ec.subMu.Lock()
	ec.subs[subID] = cb
	ec.subMu.Unlock()
	return subID, nil
}

// Unsubscribe removes a subscription; unknown ids are a no-op.
func (m *Manager) Unsubscribe(id, subID string) {
	ec, err := m.Get(id)
	if err != nil {
		return
	}
	ec.subMu.Lock()
	delete(ec.subs, subID)
	ec.subMu.Unlock()
}

// SubscriptionCount returns the number of live subscriptions.
func (m *Manager) SubscriptionCount(id string) int {
	ec, err := m.Get(id)
	if err != nil {
		return 0
	}
	ec.subMu.Lock()
	defer ec.subMu.Unlock()
	return len(ec.subs)
}

// BroadcastEvent fans an event out to every subscriber. Callbacks that fail
// or panic are removed; the engagement continues.
func (m *Manager) BroadcastEvent(id string, event Event) {
	ec, err := m.Get(id)
	if err != nil {
		return
	}

	ec.subMu.Lock()
	subs := make(map[string]Callback, len(ec.subs))
	for subID, cb := range ec.subs {
		subs[subID] = cb
	}
	ec.subMu.Unlock()

	var broken []string
	for subID, cb := range subs {
		if err := m.invoke(cb, event); err != nil {
			m.log.Warn("removing broken subscription", "engagement_id", id, "subscription_id", subID, "error", err)
			broken = append(broken, subID)
		}
	}
	if len(broken) > 0 {
		ec.subMu.Lock()
		for _, subID := range broken {
			delete(ec.subs, subID)
		}
		ec.subMu.Unlock()
	}
}

func (m *Manager) invoke(cb Callback, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panicked: %v", r)
		}
	}()
	return cb(event)
}
