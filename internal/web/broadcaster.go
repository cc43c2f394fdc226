package web

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cjeanneret/RigSync/internal/acquire"
	"github.com/cjeanneret/RigSync/internal/session"
)

// StatusEvent represents a single status message for SSE.
type StatusEvent struct {
	Time    string          `json:"t"`
	Level   string          `json:"l,omitempty"`
	Msg     string          `json:"msg"`
	Kind    string          `json:"kind,omitempty"` // "log", "session" or "cycle"
	Session string          `json:"session,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// StatusBroadcaster distributes status messages to multiple SSE clients.
type StatusBroadcaster struct {
	mu      sync.RWMutex
	clients map[chan string]struct{}

	// CycleEvery publishes every n-th healthy cycle; cycles where a
	// device did not deliver are always published. 0 means 10.
	CycleEvery uint64
}

// NewStatusBroadcaster creates a new broadcaster.
func NewStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{
		clients: make(map[chan string]struct{}),
	}
}

// Subscribe returns a channel that receives broadcast messages and a cleanup function.
// The caller must call the returned cleanup when done (e.g. on client disconnect).
func (b *StatusBroadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 64)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		delete(b.clients, ch)
		b.mu.Unlock()
		close(ch)
	}
	return ch, unsub
}

// Broadcast sends a message to all subscribed clients.
// Messages are sent as JSON: {"t":"...","l":"info","msg":"..."}
// Slow clients may miss messages (non-blocking, buffered).
func (b *StatusBroadcaster) Broadcast(level, msg string) {
	b.send(StatusEvent{Level: level, Msg: msg})
}

// BroadcastMsg is a convenience for level "info".
func (b *StatusBroadcaster) BroadcastMsg(msg string) {
	b.Broadcast("info", msg)
}

// PublishStatus broadcasts a session status change. It is meant to be
// used as session.Config.OnChange.
func (b *StatusBroadcaster) PublishStatus(st session.Status) {
	level := "info"
	msg := fmt.Sprintf("session %s %s", st.ID, st.State)
	if st.State == session.Error {
		level = "error"
		msg += ": " + st.Reason
	}
	b.publish(level, msg, "session", st.ID, st)
}

// For returns a cycle observer that streams the cycles of one session.
// It satisfies session.Journal.
func (b *StatusBroadcaster) For(sessionID string) acquire.CycleObserver {
	every := b.CycleEvery
	if every == 0 {
		every = 10
	}
	return cycleFeed{b: b, session: sessionID, every: every}
}

// cycleSummary is the SSE payload of one cycle.
type cycleSummary struct {
	Index      uint64            `json:"index"`
	Delivered  int               `json:"delivered"`
	Devices    int               `json:"devices"`
	DurationMs float64           `json:"duration_ms"`
	Problems   map[string]string `json:"problems,omitempty"`
}

type cycleFeed struct {
	b       *StatusBroadcaster
	session string
	every   uint64
}

func (f cycleFeed) OnCycle(rec acquire.CycleRecord) {
	healthy := rec.Delivered() == len(rec.Outcomes) && rec.TriggerErr == nil
	if healthy && rec.Index%f.every != 0 {
		return
	}
	sum := cycleSummary{
		Index:      rec.Index,
		Delivered:  rec.Delivered(),
		Devices:    len(rec.Outcomes),
		DurationMs: float64(rec.Duration) / float64(time.Millisecond),
	}
	for _, o := range rec.Outcomes {
		if o.Kind == acquire.Delivered {
			continue
		}
		if sum.Problems == nil {
			sum.Problems = make(map[string]string)
		}
		sum.Problems[o.DeviceID] = o.Kind.String()
	}
	level := "info"
	if !healthy {
		level = "warn"
	}
	msg := fmt.Sprintf("cycle %d: %d/%d delivered", rec.Index, sum.Delivered, sum.Devices)
	f.b.publish(level, msg, "cycle", f.session, sum)
}

func (b *StatusBroadcaster) publish(level, msg, kind, sessionID string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	b.send(StatusEvent{Level: level, Msg: msg, Kind: kind, Session: sessionID, Data: raw})
}

func (b *StatusBroadcaster) send(evt StatusEvent) {
	evt.Time = time.Now().Format(time.RFC3339)
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	payload := string(data)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- payload:
		default:
			// channel full, skip
		}
	}
}

// BroadcastWriter implements io.Writer; each Write broadcasts the content to SSE clients.
func BroadcastWriter(b *StatusBroadcaster) *broadcastWriter {
	return &broadcastWriter{b: b}
}

// broadcastWriter wraps StatusBroadcaster as io.Writer for use with debug.SetOutput.
type broadcastWriter struct {
	b *StatusBroadcaster
}

func (w *broadcastWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(string(p), "\n") {
		if msg := strings.TrimSpace(line); msg != "" {
			w.b.send(StatusEvent{Level: "info", Msg: msg, Kind: "log"})
		}
	}
	return len(p), nil
}
