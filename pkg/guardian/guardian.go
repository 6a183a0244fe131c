// Package guardian implements C12, GuardianMonitor: a fixed-cadence ticker
// loop grounded on the teacher's runOrphanDetection/detectAndRecoverOrphans
// pattern, generalized from "stale session heartbeat" to "misaligned or
// stuck agent task".
package guardian

import (
	"context"
	"log/slog"
	"time"

	"github.com/kivo360/omoios/ent"
	"github.com/kivo360/omoios/ent/task"
	"github.com/kivo360/omoios/pkg/eventbus"
)

// SteeringKind is the closed set of steering-intervention payload kinds an
// agent runtime must know how to act on.
type SteeringKind string

const (
	SteeringPrioritize SteeringKind = "prioritize"
	SteeringStop       SteeringKind = "stop"
	SteeringRefocus    SteeringKind = "refocus"
	SteeringConstraint SteeringKind = "constraint"
)

// Config controls Monitor behavior.
type Config struct {
	ScanInterval      time.Duration
	HeartbeatMaxAge   time.Duration // steering triggers past this age
	AlignmentMinScore float64       // steering triggers below this score
	StuckMultiple     float64       // heartbeat age beyond HeartbeatMaxAge*StuckMultiple marks stuck
}

// DefaultConfig returns the spec's defaults: 60s cadence, 90s heartbeat
// ceiling, 3x multiple for stuck detection.
func DefaultConfig() Config {
	return Config{
		ScanInterval:      60 * time.Second,
		HeartbeatMaxAge:   90 * time.Second,
		AlignmentMinScore: 0.4,
		StuckMultiple:     3.0,
	}
}

// orphanState mirrors the teacher's orphanState: thread-unsafe counters are
// not needed here since the scan runs on a single goroutine, but the last
// scan time is kept for observability.
type scanState struct {
	lastScan     time.Time
	stuckMarked  int
	steeringSent int
}

// Monitor is C12.
type Monitor struct {
	client *ent.Client
	bus    *eventbus.Bus
	cfg    Config
	log    *slog.Logger

	stopCh chan struct{}
	state  scanState
}

// New constructs a Monitor.
func New(client *ent.Client, bus *eventbus.Bus, cfg Config) *Monitor {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 60 * time.Second
	}
	if cfg.HeartbeatMaxAge <= 0 {
		cfg.HeartbeatMaxAge = 90 * time.Second
	}
	if cfg.StuckMultiple <= 0 {
		cfg.StuckMultiple = 3.0
	}
	return &Monitor{
		client: client,
		bus:    bus,
		cfg:    cfg,
		log:    slog.With("component", "guardian"),
		stopCh: make(chan struct{}),
	}
}

// Start launches the ticker loop in its own goroutine.
func (m *Monitor) Start(ctx context.Context) {
	go m.run(ctx)
}

// Stop signals the loop to exit.
func (m *Monitor) Stop() { close(m.stopCh) }

func (m *Monitor) run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if err := m.scan(ctx); err != nil {
				m.log.Error("scan failed", "error", err)
			}
		}
	}
}

// scan examines every running task's heartbeat age (proxied by
// updated_at, since that column advances on every lifecycle write the
// owning sandbox makes) and alignment score, publishing a steering event
// or an agent.stuck event as warranted.
func (m *Monitor) scan(ctx context.Context) error {
	running, err := m.client.Task.Query().
		Where(task.StatusEQ(task.StatusRunning)).
		All(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, t := range running {
		age := now.Sub(t.UpdatedAt)

		if age > time.Duration(float64(m.cfg.HeartbeatMaxAge)*m.cfg.StuckMultiple) {
			m.markStuck(ctx, t, age)
			continue
		}

		score := AlignmentScore(t.Description, age, m.cfg.HeartbeatMaxAge)
		if score < m.cfg.AlignmentMinScore || age > m.cfg.HeartbeatMaxAge {
			m.issueSteering(ctx, t, score, age)
		}
	}

	m.state.lastScan = now
	return nil
}

// AlignmentScore is the heuristic named in spec: a function of heartbeat
// recency alone here, since the orchestration layer doesn't have access to
// the agent runtime's tool-call transcript content this engine treats as
// opaque. It ranges 0-1 and decays linearly from 1 at age=0 to 0 at
// age=maxAge, staying 0 beyond that. taskDescription is accepted so a
// richer scorer (content similarity against recent actions) can be dropped
// in later without changing the call sites.
func AlignmentScore(taskDescription string, age, maxAge time.Duration) float64 {
	_ = taskDescription
	if maxAge <= 0 {
		return 0
	}
	ratio := 1 - float64(age)/float64(maxAge)
	if ratio < 0 {
		return 0
	}
	if ratio > 1 {
		return 1
	}
	return ratio
}

func (m *Monitor) issueSteering(ctx context.Context, t *ent.Task, score float64, age time.Duration) {
	kind := SteeringRefocus
	if age > m.cfg.HeartbeatMaxAge {
		kind = SteeringPrioritize
	}
	if score == 0 {
		kind = SteeringStop
	}

	m.state.steeringSent++
	if err := m.bus.Publish(ctx, eventbus.ProjectChannel(t.ProjectID), eventbus.Event{
		Type:       eventbus.EventTypeSteering,
		EntityType: "task",
		EntityID:   t.ID,
		Payload: map[string]any{
			"kind":             string(kind),
			"alignment_score":  score,
			"heartbeat_age_ms": age.Milliseconds(),
		},
	}); err != nil {
		m.log.Error("publish steering failed", "task_id", t.ID, "error", err)
	}
}

func (m *Monitor) markStuck(ctx context.Context, t *ent.Task, age time.Duration) {
	m.state.stuckMarked++
	m.log.Warn("task stuck", "task_id", t.ID, "heartbeat_age", age)
	if err := m.bus.Publish(ctx, eventbus.ProjectChannel(t.ProjectID), eventbus.Event{
		Type:       eventbus.EventTypeAgentStuck,
		EntityType: "task",
		EntityID:   t.ID,
		Payload:    map[string]any{"heartbeat_age_ms": age.Milliseconds()},
	}); err != nil {
		m.log.Error("publish agent.stuck failed", "task_id", t.ID, "error", err)
	}
}
