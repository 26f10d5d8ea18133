// Package stream maintains the bridge's persistent websocket to the forum's
// realtime feed: one connection per process, redialed with exponential
// backoff, whose decoded events are handed to a scheduler so that slow
// downstream processing never stalls heartbeat handling.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/astrbook/bridge/events"
	"github.com/astrbook/bridge/util"
	"github.com/carlmjohnson/versioninfo"
	"github.com/gorilla/websocket"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Snapshot is a point-in-time copy of the manager's liveness counters,
// served by the status endpoint.
type Snapshot struct {
	State                State     `json:"state"`
	BotUserID            int64     `json:"bot_user_id,omitempty"`
	ConnectAttempts      int64     `json:"connect_attempts"`
	ConnectSuccesses     int64     `json:"connect_successes"`
	Reconnects           int64     `json:"reconnects"`
	LastEventKind        string    `json:"last_event_kind,omitempty"`
	LastEventAt          time.Time `json:"last_event_at"`
	LastDisconnectReason string    `json:"last_disconnect_reason,omitempty"`
	LastDisconnectAt     time.Time `json:"last_disconnect_at"`
	LastError            string    `json:"last_error,omitempty"`
}

// Manager owns the realtime connection. Construct with NewManager, then
// call Run; the manager keeps dialing until the context is canceled.
type Manager struct {
	host  string
	token string

	sched  events.Scheduler
	logger *slog.Logger

	// OnConnected, if set, fires after the server acknowledges a session,
	// carrying the bot's own user id from the connected frame.
	OnConnected func(userID int64)

	mu                   sync.Mutex
	state                State
	botUserID            int64
	connectAttempts      int64
	connectSuccesses     int64
	reconnects           int64
	backoff              int // consecutive failed cycles, zeroed on connect
	lastEventKind        string
	lastEventAt          time.Time
	lastDisconnectReason string
	lastDisconnectAt     time.Time
	lastError            string
}

func NewManager(host, token string, sched events.Scheduler, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		host:   host,
		token:  token,
		sched:  sched,
		logger: logger.With("system", "stream"),
	}
}

// Run dials the feed and consumes it until ctx is canceled, reconnecting on
// any failure. Always returns nil after moving to StateDisconnected.
func (m *Manager) Run(ctx context.Context) error {
	defer m.noteShutdown()

	for {
		if ctx.Err() != nil {
			return nil
		}

		m.noteConnecting()
		err := m.runOnce(ctx)
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return nil
		}

		reason := disconnectReason(err)
		b := m.noteDisconnect(reason, err)
		sleep := sleepForBackoff(b)
		m.logger.Warn("stream disconnected, will reconnect",
			"reason", reason, "err", err, "backoff", sleep, "cycle", b)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(sleep):
		}
	}
}

func (m *Manager) runOnce(ctx context.Context) error {
	u := util.WebsocketURLForHost(m.host) + "/ws/bot"
	d := websocket.Dialer{
		HandshakeTimeout: time.Second * 5,
	}
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+m.token)
	hdr.Set("User-Agent", "astrbook-bridge/"+versioninfo.Short())

	con, res, err := d.DialContext(ctx, u, hdr)
	if err != nil {
		if res != nil && res.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("%w: %s", errAuthFailed, u)
		}
		return fmt.Errorf("dialing %s: %w", u, err)
	}
	defer con.Close()

	m.noteConnected()
	m.logger.Info("stream connected", "url", u)

	return events.HandleEventStream(ctx, con, m.sched, &events.StreamCallbacks{
		Connected: func(userID int64) {
			m.noteIdentity(userID)
			if m.OnConnected != nil {
				m.OnConnected(userID)
			}
		},
		Liveness: func(frameType string) {
			m.noteFrame(frameType)
		},
	}, m.logger)
}

var errAuthFailed = errors.New("stream authentication failed")

func disconnectReason(err error) string {
	var netErr net.Error
	switch {
	case err == nil:
		return "stream_closed"
	case errors.Is(err, errAuthFailed):
		return "auth_failed"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "read_timeout"
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		return "server_closed"
	default:
		return "stream_error"
	}
}

// sleepForBackoff returns the pause before reconnect cycle b: doubling from
// one second up to a thirty second ceiling, plus up to a second of jitter so
// restarts do not align across deployments.
func sleepForBackoff(b int) time.Duration {
	if b == 0 {
		return 0
	}
	d := time.Duration(1<<uint(min(b-1, 5))) * time.Second
	if d > time.Second*30 {
		d = time.Second * 30
	}
	return d + time.Millisecond*time.Duration(rand.Intn(1000))
}

func (m *Manager) noteConnecting() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateConnecting
	m.connectAttempts++
}

func (m *Manager) noteConnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateConnected
	m.connectSuccesses++
	m.backoff = 0
	m.lastError = ""
	streamConnectsCounter.Inc()
}

func (m *Manager) noteIdentity(userID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.botUserID = userID
}

func (m *Manager) noteFrame(frameType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastEventKind = frameType
	m.lastEventAt = time.Now()
}

// noteDisconnect moves to reconnecting and returns the new backoff cycle
// count.
func (m *Manager) noteDisconnect(reason string, err error) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateConnected {
		m.reconnects++
	}
	m.state = StateReconnecting
	m.backoff++
	m.lastDisconnectReason = reason
	m.lastDisconnectAt = time.Now()
	if err != nil {
		m.lastError = err.Error()
	}
	streamDisconnectsCounter.WithLabelValues(reason).Inc()
	return m.backoff
}

func (m *Manager) noteShutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateDisconnected
	m.lastDisconnectReason = "shutdown"
	m.lastDisconnectAt = time.Now()
}

// BotUserID returns the identity delivered by the connected frame, zero
// before the first session is established.
func (m *Manager) BotUserID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.botUserID
}

// Status returns a copy of the current connection state and counters.
func (m *Manager) Status() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		State:                m.stateLocked(),
		BotUserID:            m.botUserID,
		ConnectAttempts:      m.connectAttempts,
		ConnectSuccesses:     m.connectSuccesses,
		Reconnects:           m.reconnects,
		LastEventKind:        m.lastEventKind,
		LastEventAt:          m.lastEventAt,
		LastDisconnectReason: m.lastDisconnectReason,
		LastDisconnectAt:     m.lastDisconnectAt,
		LastError:            m.lastError,
	}
}

func (m *Manager) stateLocked() State {
	if m.state == "" {
		return StateDisconnected
	}
	return m.state
}
