package web

import (
	"net/http"
	"sync"
	"time"

	"github.com/JonMunkholm/paperwork/internal/core"
	"github.com/JonMunkholm/paperwork/internal/logging"
	"github.com/gorilla/websocket"
)

// Server -> client message types.
const (
	msgTypeState = "state"
)

const streamWriteWait = 10 * time.Second

// wsMessage is the envelope for every websocket frame.
type wsMessage struct {
	Type      string        `json:"type"`
	Payload   stateResponse `json:"payload"`
	Timestamp int64         `json:"timestamp"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4 * 1024,
}

// latestSnapshot keeps only the newest snapshot. A slow client skips
// intermediate states but always ends on the current one.
type latestSnapshot struct {
	mu     sync.Mutex
	snap   core.Snapshot
	notify chan struct{}
}

func newLatestSnapshot(initial core.Snapshot) *latestSnapshot {
	l := &latestSnapshot{snap: initial, notify: make(chan struct{}, 1)}
	l.notify <- struct{}{}
	return l
}

func (l *latestSnapshot) set(snap core.Snapshot) {
	l.mu.Lock()
	if snap.Version > l.snap.Version {
		l.snap = snap
	}
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func (l *latestSnapshot) get() core.Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snap
}

// handleStream pushes the session's snapshots over a websocket until the
// client disconnects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	logger := logging.WithFields(r.Context(), "session_id", sess.ID)

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	latest := newLatestSnapshot(sess.Workflow.Snapshot())
	unsubscribe := sess.Workflow.Subscribe(latest.set)
	defer unsubscribe()

	// Reads only detect the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Debug("websocket read error", "error", err)
				}
				return
			}
		}
	}()

	var (
		sent    uint64
		started bool
	)
	for {
		select {
		case <-closed:
			return
		case <-latest.notify:
		}

		snap := latest.get()
		if started && snap.Version <= sent {
			continue
		}

		_ = ws.SetWriteDeadline(time.Now().Add(streamWriteWait))
		err := ws.WriteJSON(wsMessage{
			Type:      msgTypeState,
			Payload:   newStateResponse(snap),
			Timestamp: time.Now().UnixMilli(),
		})
		if err != nil {
			logger.Debug("websocket write failed", "error", err)
			return
		}
		sent, started = snap.Version, true
	}
}
