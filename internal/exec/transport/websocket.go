// Package transport delivers session output events to callers over a
// persistent push channel.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"codedock/internal/exec/model"
	"codedock/internal/exec/session"
	"codedock/pkg/utils/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
)

// clientMessage is what a connected client may send upstream.
type clientMessage struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// Streamer upgrades HTTP requests and pushes a session's ordered event
// stream over the socket until the single terminal event is delivered.
type Streamer struct {
	manager  *session.Manager
	upgrader websocket.Upgrader
}

// NewStreamer creates a websocket streamer over the lifecycle manager.
func NewStreamer(manager *session.Manager) *Streamer {
	return &Streamer{
		manager: manager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 << 10,
			WriteBufferSize: 4 << 10,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Stream attaches the HTTP request to the session's event channel. It
// returns once the terminal event has been written or the client went away.
func (s *Streamer) Stream(w http.ResponseWriter, r *http.Request, sessionID string) error {
	sess, err := s.manager.Subscribe(sessionID)
	if err != nil {
		return err
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		logger.Warn(r.Context(), "websocket upgrade failed",
			zap.String("session_id", sessionID), zap.Error(err))
		return nil
	}
	defer conn.Close()

	ctx := r.Context()
	disconnected := make(chan struct{})
	go s.readLoop(ctx, conn, sessionID, disconnected)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sess.Events():
			if !ok {
				// Terminal event already sent; close handshake.
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return nil
			}
			if err := s.writeEvent(conn, ev); err != nil {
				s.stopOnDisconnect(ctx, sessionID)
				return nil
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.stopOnDisconnect(ctx, sessionID)
				return nil
			}
		case <-disconnected:
			s.stopOnDisconnect(ctx, sessionID)
			return nil
		}
	}
}

func (s *Streamer) writeEvent(conn *websocket.Conn, ev model.OutputEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// readLoop consumes client frames: input messages are relayed to the
// process stdin, everything else only keeps the connection alive. A read
// error means the client disconnected.
func (s *Streamer) readLoop(ctx context.Context, conn *websocket.Conn, sessionID string, disconnected chan<- struct{}) {
	defer close(disconnected)
	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		var msg clientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}
		if msg.Type == "input" {
			if err := s.manager.SendInput(ctx, sessionID, msg.Data); err != nil {
				logger.Debug(ctx, "websocket input rejected",
					zap.String("session_id", sessionID), zap.Error(err))
			}
		}
	}
}

// stopOnDisconnect stops the session when its caller goes away with output
// still streaming. Stop is idempotent, so racing a natural completion is
// harmless.
func (s *Streamer) stopOnDisconnect(ctx context.Context, sessionID string) {
	if status, err := s.manager.Status(sessionID); err == nil && !status.State.IsTerminal() {
		logger.Info(ctx, "client disconnected, stopping session",
			zap.String("session_id", sessionID))
	}
	_ = s.manager.Stop(context.WithoutCancel(ctx), sessionID)
}
