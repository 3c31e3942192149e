// Package broadcaster implements the activity broadcaster of spec.md
// §4.9: a per-session websocket state machine fed by a shared
// internal/activity.State, periodically pushing summaries and
// reacting to user-submitted lift updates.
package broadcaster

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iron-insights/iron-insights/internal/activity"
	"github.com/iron-insights/iron-insights/internal/encoder"
	"github.com/iron-insights/iron-insights/internal/payload"
	"github.com/iron-insights/iron-insights/internal/scoring"
	"github.com/iron-insights/iron-insights/pkg/log"
)

// sessionState is the per-session state machine of spec.md §4.9.
type sessionState int

const (
	handshaking sessionState = iota
	live
	closing
)

// connectMessage is the well-formed handshake payload that moves a
// session from Handshaking to Live.
type connectMessage struct {
	Type          string `json:"type"`
	SessionID     string `json:"session_id"`
	UserAgent     string `json:"user_agent"`
	SupportsArrow bool   `json:"supports_arrow"`
}

// userUpdateMessage carries a user's self-reported lift for live DOTS
// feedback.
type userUpdateMessage struct {
	Type         string  `json:"type"`
	Sex          string  `json:"sex"`
	LiftType     string  `json:"lift_type"`
	LiftKg       float64 `json:"lift_kg"`
	BodyweightKg float64 `json:"bodyweight_kg"`
}

// session is one open websocket connection plus its negotiated
// capabilities (spec.md §3 "Session record").
type session struct {
	id            string
	conn          *websocket.Conn
	createdAt     time.Time
	lastSeen      time.Time
	supportsArrow bool

	mu    sync.Mutex
	state sessionState

	// writeMu serializes writes to conn: the scheduler's Tick goroutine
	// and another session's handleUserUpdate goroutine can both target
	// this session concurrently, and gorilla/websocket forbids
	// concurrent writers on one connection (spec.md §5 "frames are
	// strictly ordered").
	writeMu sync.Mutex
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *session) setState(st sessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *session) getState() sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Upgrader is the shared websocket upgrader. Origin checking is left
// to whatever reverse proxy terminates TLS in front of this service
// (spec.md's "out of scope: HTTP framing, TLS").
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Broadcaster owns the live session set and the shared activity state
// it reads counters from and writes calculations into.
type Broadcaster struct {
	activity *activity.State

	mu       sync.RWMutex
	sessions map[string]*session

	heartbeatTimeout time.Duration
}

// New constructs a Broadcaster reading from and writing to act.
func New(act *activity.State, heartbeatTimeout time.Duration) *Broadcaster {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 60 * time.Second
	}
	return &Broadcaster{
		activity:         act,
		sessions:         make(map[string]*session),
		heartbeatTimeout: heartbeatTimeout,
	}
}

// HandleConn drives one accepted websocket connection through its
// full Handshaking -> Live -> Closing lifecycle (spec.md §4.9). It
// blocks until the connection closes, so callers run it in its own
// goroutine.
func (b *Broadcaster) HandleConn(conn *websocket.Conn) {
	b.activity.ConnectionOpened()
	defer b.activity.ConnectionClosed()
	defer conn.Close()

	sess := &session{conn: conn, createdAt: time.Now(), lastSeen: time.Now(), state: handshaking}

	if !b.awaitHandshake(sess) {
		return
	}

	b.mu.Lock()
	b.sessions[sess.id] = sess
	b.mu.Unlock()
	b.activity.SessionBecameLive()

	defer func() {
		sess.setState(closing)
		b.mu.Lock()
		delete(b.sessions, sess.id)
		b.mu.Unlock()
		b.activity.SessionClosed()
	}()

	b.liveLoop(sess)
}

// awaitHandshake blocks for exactly one Connect message. Anything else
// (malformed JSON, a different message type) is a handshake failure
// and the caller closes the connection (spec.md §4.9 "Handshaking ->
// ∅ on malformed handshake").
func (b *Broadcaster) awaitHandshake(sess *session) bool {
	_, raw, err := sess.conn.ReadMessage()
	if err != nil {
		return false
	}

	var msg connectMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Type != "connect" || msg.SessionID == "" {
		return false
	}

	sess.id = msg.SessionID
	sess.supportsArrow = msg.SupportsArrow
	sess.setState(live)
	sess.touch()
	return true
}

// liveLoop reads UserUpdate messages until the connection errors or
// the heartbeat lapses, emitting a DotsCalculation broadcast for every
// finite submission (spec.md §4.9).
func (b *Broadcaster) liveLoop(sess *session) {
	sess.conn.SetReadDeadline(time.Now().Add(b.heartbeatTimeout))
	for {
		_, raw, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		sess.touch()
		sess.conn.SetReadDeadline(time.Now().Add(b.heartbeatTimeout))

		var msg userUpdateMessage
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Type != "user_update" {
			continue
		}
		b.handleUserUpdate(sess, msg)
	}
}

func (b *Broadcaster) handleUserUpdate(sess *session, msg userUpdateMessage) {
	sex := scoring.Male
	if msg.Sex == string(scoring.Female) {
		sex = scoring.Female
	}
	lt := scoring.LiftType(msg.LiftType)

	dots := scoring.DOTS(msg.LiftKg, msg.BodyweightKg, sex)
	if dots <= 0 {
		return // non-finite or invalid input produces no broadcast
	}
	level := scoring.Classify(dots, lt, sex)

	b.activity.RecordCalculation(activity.Calculation{
		Timestamp: time.Now(),
		Sex:       sex,
		LiftType:  lt,
		Dots:      dots,
		Level:     level,
	})

	b.broadcastDotsCalculation(sess, dots, lt, level)
	b.broadcastUserActivity()
}

// Tick is called on the scheduled interval (spec.md §4.9's 5-second
// StatsUpdate tick) to push the current snapshot to every live
// session.
func (b *Broadcaster) Tick(nominalCapacity int) {
	snap := b.activity.Snapshot(nominalCapacity)
	b.broadcastAll("stats_update", map[string]interface{}{
		"active_users":       snap.ActiveSessions,
		"total_connections":  snap.Connections,
		"server_load":        snap.ServerLoad,
	})
}

func (b *Broadcaster) broadcastUserActivity() {
	recent := b.activity.RecentCalculations()
	entries := make([]map[string]interface{}, len(recent))
	for i, c := range recent {
		entries[i] = map[string]interface{}{
			"timestamp": c.Timestamp,
			"sex":       string(c.Sex),
			"lift_type": string(c.LiftType),
			"dots":      c.Dots,
			"level":     string(c.Level),
		}
	}
	b.broadcastAll("user_activity", map[string]interface{}{
		"recent_calculations": entries,
		"user_count":          len(entries),
	})
}

func (b *Broadcaster) broadcastDotsCalculation(origin *session, dots float64, lt scoring.LiftType, level scoring.StrengthLevel) {
	b.broadcastAll("dots_calculation", map[string]interface{}{
		"strength_level": string(level),
		"dots_score":     dots,
		"lift_type":      string(lt),
	})
}

// broadcastAll sends an event to every live session, honoring each
// session's negotiated wire format. A slow or broken receiver is
// dropped rather than allowed to block the rest of the fan-out
// (spec.md §4.9 "best-effort").
func (b *Broadcaster) broadcastAll(eventType string, fields map[string]interface{}) {
	b.mu.RLock()
	sessions := make([]*session, 0, len(b.sessions))
	for _, s := range b.sessions {
		if s.getState() == live {
			sessions = append(sessions, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range sessions {
		if err := b.sendTo(s, eventType, fields); err != nil {
			log.Warnf("BROADCASTER: dropping slow/broken session %s: %v", s.id, err)
			s.setState(closing)
			s.conn.Close()
		}
	}
}

func (b *Broadcaster) sendTo(s *session, eventType string, fields map[string]interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))

	if !s.supportsArrow {
		body := map[string]interface{}{"type": eventType}
		for k, v := range fields {
			body[k] = v
		}
		return s.conn.WriteJSON(body)
	}

	p := eventPayload(eventType, fields)
	encoded, err := encoder.Encode(p)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, encoded)
}

// eventPayload maps a broadcast event onto the shared columnar
// payload shape so arrow-capable sessions reuse the visualize wire
// format instead of a second schema.
func eventPayload(eventType string, fields map[string]interface{}) payload.Payload {
	switch eventType {
	case "stats_update":
		return payload.Payload{
			RawScatter: []payload.ScatterPoint{{
				X: toFloat(fields["active_users"]),
				Y: toFloat(fields["server_load"]),
			}},
		}
	case "dots_calculation":
		return payload.Payload{
			RawHistogram: []payload.HistogramBin{{Value: toFloat(fields["dots_score"]), Count: 1}},
		}
	default:
		return payload.Payload{}
	}
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	default:
		return 0
	}
}
