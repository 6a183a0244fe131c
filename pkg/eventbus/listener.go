package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
)

// listenCmd represents a LISTEN/UNLISTEN command executed by the receive
// loop, the sole goroutine that touches the dedicated pgx connection.
type listenCmd struct {
	sql     string
	channel string
	gen     uint64 // generation captured at Unsubscribe time; 0 for LISTEN
	result  chan error
}

// notifyListener owns a dedicated LISTEN connection and dispatches each
// NOTIFY to the local dispatch table. It never touches the connection
// concurrently with itself: all LISTEN/UNLISTEN goes through cmdCh.
type notifyListener struct {
	connString string
	conn       *pgx.Conn
	connMu     sync.Mutex

	channels   map[string]bool
	channelsMu sync.RWMutex

	cmdCh   chan listenCmd
	running atomic.Bool

	// listenGen prevents a stale UNLISTEN from winning a race against a
	// fresher Subscribe on the same channel; see processPendingCmds.
	listenGen   map[string]uint64
	listenGenMu sync.Mutex

	onNotify func(channel string, payload []byte)

	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

func newNotifyListener(connString string, onNotify func(channel string, payload []byte)) *notifyListener {
	return &notifyListener{
		connString: connString,
		channels:   make(map[string]bool),
		cmdCh:      make(chan listenCmd, 32),
		listenGen:  make(map[string]uint64),
		onNotify:   onNotify,
	}
}

func (l *notifyListener) Start(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return fmt.Errorf("connect for LISTEN: %w", err)
	}

	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()
	l.running.Store(true)

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancelLoop = cancel
	l.loopDone = make(chan struct{})
	go func() {
		defer close(l.loopDone)
		l.receiveLoop(loopCtx)
	}()

	slog.Info("eventbus: NOTIFY listener started")
	return nil
}

func (l *notifyListener) Subscribe(ctx context.Context, channel string) error {
	if !l.running.Load() {
		return fmt.Errorf("LISTEN connection not established")
	}
	sanitized := pgx.Identifier{channel}.Sanitize()
	cmd := listenCmd{sql: "LISTEN " + sanitized, channel: channel, result: make(chan error, 1)}

	select {
	case l.cmdCh <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.result:
		if err != nil {
			return fmt.Errorf("LISTEN %s: %w", sanitized, err)
		}
		l.channelsMu.Lock()
		l.channels[channel] = true
		l.channelsMu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *notifyListener) Unsubscribe(ctx context.Context, channel string) error {
	l.channelsMu.Lock()
	if !l.channels[channel] {
		l.channelsMu.Unlock()
		return nil
	}
	l.channelsMu.Unlock()

	if !l.running.Load() {
		return nil
	}

	l.listenGenMu.Lock()
	gen := l.listenGen[channel]
	l.listenGenMu.Unlock()

	sanitized := pgx.Identifier{channel}.Sanitize()
	cmd := listenCmd{sql: "UNLISTEN " + sanitized, channel: channel, gen: gen, result: make(chan error, 1)}

	select {
	case l.cmdCh <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.result:
		if err != nil {
			return fmt.Errorf("UNLISTEN %s: %w", sanitized, err)
		}
		l.listenGenMu.Lock()
		stale := l.listenGen[channel] != gen
		l.listenGenMu.Unlock()
		if !stale {
			l.channelsMu.Lock()
			delete(l.channels, channel)
			l.channelsMu.Unlock()
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *notifyListener) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		l.processPendingCmds(ctx)

		l.connMu.Lock()
		conn := l.conn
		l.connMu.Unlock()

		if conn == nil {
			l.reconnect(ctx)
			continue
		}

		waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		notification, err := conn.WaitForNotification(waitCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if waitCtx.Err() != nil {
				continue
			}
			slog.Error("eventbus: NOTIFY receive error", "error", err)
			l.reconnect(ctx)
			continue
		}

		l.onNotify(notification.Channel, []byte(notification.Payload))
	}
}

func (l *notifyListener) processPendingCmds(ctx context.Context) {
	for {
		select {
		case cmd := <-l.cmdCh:
			if cmd.gen > 0 {
				l.listenGenMu.Lock()
				stale := l.listenGen[cmd.channel] != cmd.gen
				l.listenGenMu.Unlock()
				if stale {
					cmd.result <- nil
					continue
				}
			}

			l.connMu.Lock()
			conn := l.conn
			l.connMu.Unlock()

			if conn == nil {
				cmd.result <- fmt.Errorf("LISTEN connection not established")
				continue
			}

			_, err := conn.Exec(ctx, cmd.sql)
			if err == nil && cmd.gen == 0 && cmd.channel != "" {
				l.listenGenMu.Lock()
				l.listenGen[cmd.channel]++
				l.listenGenMu.Unlock()
			}
			cmd.result <- err
		default:
			return
		}
	}
}

func (l *notifyListener) reconnect(ctx context.Context) {
	l.connMu.Lock()
	defer l.connMu.Unlock()

	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		conn, err := pgx.Connect(ctx, l.connString)
		if err != nil {
			slog.Error("eventbus: LISTEN reconnect failed", "error", err, "backoff", backoff)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		l.conn = conn

		l.channelsMu.RLock()
		for ch := range l.channels {
			sanitized := pgx.Identifier{ch}.Sanitize()
			if _, err := conn.Exec(ctx, "LISTEN "+sanitized); err != nil {
				slog.Error("eventbus: re-LISTEN failed", "channel", ch, "error", err)
			}
		}
		l.channelsMu.RUnlock()

		slog.Info("eventbus: NOTIFY listener reconnected")
		return
	}
}

func (l *notifyListener) Stop(ctx context.Context) {
	l.running.Store(false)

	if l.cancelLoop != nil {
		l.cancelLoop()
	}
	if l.loopDone != nil {
		<-l.loopDone
	}

	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}
}
