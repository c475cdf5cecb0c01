package notification

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/boardsaver/boardsaver/server/internal"
	"github.com/boardsaver/boardsaver/server/internal/duplicates"
	"github.com/boardsaver/boardsaver/server/internal/notify"
	middlewares "github.com/boardsaver/boardsaver/server/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1 << 10,
	WriteBufferSize: 1 << 12,
}

type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Hub streams progress snapshots and duplicate flow states to websocket
// clients. A client may pass ?batch=<id> to only receive one batch.
type Hub struct {
	progress   *notify.Broadcaster[internal.ProgressSnapshot]
	duplicates *notify.Broadcaster[duplicates.State]
}

func NewHub(
	progress *notify.Broadcaster[internal.ProgressSnapshot],
	dups *notify.Broadcaster[duplicates.State],
) *Hub {
	return &Hub{progress: progress, duplicates: dups}
}

func (h *Hub) WebSocket(w http.ResponseWriter, r *http.Request) {
	var (
		clientID = uuid.NewString()
		batchID  = r.URL.Query().Get("batch")
		progress = h.progress.Subscribe()
		dups     = h.duplicates.Subscribe()
	)
	defer progress.Close()
	defer dups.Close()

	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", slog.Any("err", err))
		return
	}
	defer c.Close()

	logger := slog.With(slog.String("client", clientID))
	logger.Debug("websocket client connected", slog.String("batch", batchID))

	// the read side only exists to notice the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		var msg Message

		select {
		case <-closed:
			logger.Debug("websocket client disconnected")
			return
		case s, ok := <-progress.C():
			if !ok {
				return
			}
			if batchID != "" && s.BatchID != batchID {
				continue
			}
			msg = Message{Type: "progress", Payload: s}
		case s, ok := <-dups.C():
			if !ok {
				return
			}
			if batchID != "" && s.BatchID != batchID {
				continue
			}
			msg = Message{Type: "duplicates", Payload: s}
		}

		c.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.WriteJSON(msg); err != nil {
			logger.Warn("websocket write failed", slog.Any("err", err))
			return
		}
	}
}

func (h *Hub) ApplyRouter() func(chi.Router) {
	return func(r chi.Router) {
		r.Use(middlewares.ApplyAuthenticationByConfig)
		r.Get("/", h.WebSocket)
	}
}
