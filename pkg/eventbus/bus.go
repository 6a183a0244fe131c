package eventbus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kivo360/omoios/ent"
)

// maxNotifyPayloadBytes stays below PostgreSQL's 8000-byte NOTIFY limit;
// oversized payloads are replaced with a routing-only envelope and the
// receiver falls back to reading the full row from the events table.
const maxNotifyPayloadBytes = 7900

// subscribeGrace is how long Subscribe waits for Listen to have been called
// at least once before it refuses to register a handler. Without this, a
// Subscribe call made before the bus starts draining would register a
// handler that silently never fires.
const subscribeGrace = 2 * time.Second

// internalChannel serializes delivery to every handler registered for one
// pattern so that handlers see events for that pattern in publish order,
// while separate patterns are dispatched concurrently.
type internalChannel struct {
	pattern  string
	handlers []Handler
	queue    chan Event
}

func (c *internalChannel) loop(ctx context.Context, bus *Bus) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-c.queue:
			for _, h := range c.handlers {
				if err := bus.dispatchOne(ctx, c.pattern, h, evt); err != nil {
					slog.Error("eventbus: handler error", "pattern", c.pattern, "event_type", evt.Type, "error", err)
				}
			}
		}
	}
}

// Bus is the C1 EventBus: local fan-out to in-process subscribers plus
// cross-process delivery via PostgreSQL LISTEN/NOTIFY. Publish blocks only
// until local handlers have been enqueued, not until they complete —
// per-pattern ordering is preserved by internalChannel's single consumer
// goroutine.
type Bus struct {
	db       *sql.DB
	client   *ent.Client
	listener *notifyListener

	mu          sync.RWMutex
	channels    map[string]*internalChannel // keyed by pattern
	listening   bool
	listenSince time.Time

	lastSeenMu sync.Mutex
	lastSeen   map[string]string // subscription key -> last-delivered event id

	loopCtx    context.Context
	loopCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New constructs a Bus. db is used for persistAndNotify/replay; client is
// used by Subscribe's replay-on-reconnect path; connString is a dedicated
// libpq connection string used solely for LISTEN (must not be pooled).
func New(db *sql.DB, client *ent.Client, connString string) *Bus {
	b := &Bus{
		db:       db,
		client:   client,
		channels: make(map[string]*internalChannel),
		lastSeen: make(map[string]string),
	}
	b.listener = newNotifyListener(connString, b.handleNotify)
	return b
}

// Listen starts the NOTIFY receive loop and the local dispatch goroutines.
// It must be called before any publish is expected to reach subscribers
// registered after this call's grace window.
func (b *Bus) Listen(ctx context.Context) error {
	if err := b.listener.Start(ctx); err != nil {
		return fmt.Errorf("start NOTIFY listener: %w", err)
	}
	if err := b.listener.Subscribe(ctx, GlobalChannel); err != nil {
		return fmt.Errorf("subscribe to global channel: %w", err)
	}

	b.loopCtx, b.loopCancel = context.WithCancel(ctx)

	b.mu.Lock()
	b.listening = true
	b.listenSince = time.Now()
	b.mu.Unlock()

	return nil
}

// Stop halts dispatch and closes the LISTEN connection.
func (b *Bus) Stop(ctx context.Context) {
	if b.loopCancel != nil {
		b.loopCancel()
	}
	b.listener.Stop(ctx)
	b.wg.Wait()
}

// SubscribeProject additionally LISTENs on a project-scoped channel so
// high-frequency task traffic for one project doesn't wake every process.
func (b *Bus) SubscribeProject(ctx context.Context, projectID string) error {
	return b.listener.Subscribe(ctx, ProjectChannel(projectID))
}

// Subscribe registers handler for events whose Type matches pattern exactly,
// or for every event if pattern is "*". Returns an error if Listen has
// never been called and the grace period has elapsed, per the bus's
// "no silent dead subscriptions" invariant.
func (b *Bus) Subscribe(pattern string, handler Handler) error {
	b.mu.RLock()
	listening := b.listening
	b.mu.RUnlock()

	if !listening {
		time.Sleep(subscribeGrace)
		b.mu.RLock()
		listening = b.listening
		b.mu.RUnlock()
		if !listening {
			return fmt.Errorf("eventbus: Subscribe(%q) called before Listen; refusing to register a dead handler", pattern)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[pattern]
	if !ok {
		ch = &internalChannel{pattern: pattern, queue: make(chan Event, 256)}
		b.channels[pattern] = ch
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			ch.loop(b.loopCtx, b)
		}()
	}
	ch.handlers = append(ch.handlers, handler)
	return nil
}

// Publish persists evt.Type/EntityType/EntityID/Payload to the events table
// and emits pg_notify in the same transaction (pg_notify is transactional:
// the NOTIFY is held until COMMIT), then enqueues the event to every
// matching local channel. channel selects the NOTIFY routing channel —
// use ProjectChannel(projectID) for task-scoped traffic, GlobalChannel
// otherwise.
func (b *Bus) Publish(ctx context.Context, channel string, evt Event) error {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.PublishedAt == 0 {
		evt.PublishedAt = time.Now().UnixNano()
	}

	payloadJSON, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := b.persistAndNotify(ctx, channel, evt, payloadJSON); err != nil {
		return err
	}

	b.dispatchLocal(evt)
	return nil
}

func (b *Bus) persistAndNotify(ctx context.Context, channel string, evt Event, payloadJSON []byte) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (event_id, type, entity_type, entity_id, payload, published_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		evt.ID, evt.Type, evt.EntityType, evt.EntityID, payloadJSON, time.Now(),
	); err != nil {
		return fmt.Errorf("persist event: %w", err)
	}

	notifyPayload := truncateIfNeeded(string(payloadJSON))
	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event tx: %w", err)
	}
	return nil
}

func truncateIfNeeded(payload string) string {
	if len(payload) <= maxNotifyPayloadBytes {
		return payload
	}
	var routing struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	_ = json.Unmarshal([]byte(payload), &routing)
	truncated, _ := json.Marshal(map[string]any{
		"id":        routing.ID,
		"type":      routing.Type,
		"truncated": true,
	})
	return string(truncated)
}

// dispatchLocal enqueues evt to every channel whose pattern matches, plus
// the wildcard channel.
func (b *Bus) dispatchLocal(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for pattern, ch := range b.channels {
		if pattern == "*" || pattern == evt.Type {
			select {
			case ch.queue <- evt:
			default:
				slog.Warn("eventbus: local channel queue full, dropping event", "pattern", pattern, "event_type", evt.Type)
			}
		}
	}
}

// dispatchOne runs handler with idempotency bookkeeping: a handler is
// skipped if its subscription already processed this exact event id,
// satisfying the "idempotent event consumption" testable property.
func (b *Bus) dispatchOne(ctx context.Context, pattern string, h Handler, evt Event) error {
	key := pattern + "|" + evt.EntityType + ":" + evt.EntityID

	b.lastSeenMu.Lock()
	if b.lastSeen[key] == evt.ID {
		b.lastSeenMu.Unlock()
		return nil
	}
	b.lastSeen[key] = evt.ID
	b.lastSeenMu.Unlock()

	return h(ctx, evt)
}

// handleNotify is the notifyListener callback: decode the NOTIFY payload
// and dispatch to local subscribers. If the payload was truncated (too
// large for NOTIFY), the full row is fetched from the events table.
func (b *Bus) handleNotify(channel string, payload []byte) {
	var evt Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		slog.Error("eventbus: malformed NOTIFY payload", "channel", channel, "error", err)
		return
	}

	if isTruncated(payload) {
		full, err := b.fetchEvent(context.Background(), evt.ID)
		if err != nil {
			slog.Error("eventbus: failed to hydrate truncated event", "event_id", evt.ID, "error", err)
			return
		}
		evt = *full
	}

	b.dispatchLocal(evt)
}

func isTruncated(payload []byte) bool {
	return strings.Contains(string(payload), `"truncated":true`)
}

func (b *Bus) fetchEvent(ctx context.Context, eventID string) (*Event, error) {
	row := b.db.QueryRowContext(ctx, `SELECT type, payload, published_at FROM events WHERE event_id = $1`, eventID)
	var (
		typ       string
		payload   []byte
		published time.Time
	)
	if err := row.Scan(&typ, &payload, &published); err != nil {
		return nil, err
	}
	var evt Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, fmt.Errorf("unmarshal hydrated payload: %w", err)
	}
	evt.Type = typ
	evt.PublishedAt = published.UnixNano()
	return &evt, nil
}
