package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/kaleidoscope/ideasync/internal/collab"
)

const messageRegisterUser = "register_user"

type pushFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type registerUserData struct {
	Username string `json:"username"`
}

// handlePush upgrades to a websocket and relays store events to the client.
// The first frame sent is always initial_state. Inbound register_user frames
// mark the sender active.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		s.logger.Debug("push upgrade failed", zap.Error(err))
		return
	}
	s.metrics.pushClients.Inc()
	defer s.metrics.pushClients.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, unsubscribe := s.store.Subscribe()
	defer unsubscribe()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		defer cancel()
		s.readPushFrames(ctx, conn)
	}()

	status, reason := s.writePushEvents(ctx, conn, events)
	_ = conn.Close(status, reason)
	cancel()
	<-readDone
}

func (s *Server) writePushEvents(ctx context.Context, conn *websocket.Conn, events <-chan collab.Event) (websocket.StatusCode, string) {
	for {
		select {
		case <-ctx.Done():
			return websocket.StatusNormalClosure, ""
		case ev, ok := <-events:
			if !ok {
				return websocket.StatusGoingAway, "server shutting down"
			}
			writeCtx, cancel := context.WithTimeout(ctx, s.cfg.PushWriteTimeout)
			err := wsjson.Write(writeCtx, conn, ev)
			cancel()
			if err != nil {
				s.logger.Debug("push write failed", zap.String("type", ev.Type), zap.Error(err))
				return websocket.StatusInternalError, "write failed"
			}
		}
	}
}

func (s *Server) readPushFrames(ctx context.Context, conn *websocket.Conn) {
	for {
		var frame pushFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				s.logger.Debug("push read ended", zap.Error(err))
			}
			return
		}
		switch frame.Type {
		case messageRegisterUser:
			var data registerUserData
			if err := json.Unmarshal(frame.Data, &data); err != nil {
				s.logger.Debug("bad register_user frame", zap.Error(err))
				continue
			}
			if _, err := s.store.RegisterUser(data.Username); err != nil {
				s.logger.Debug("register_user rejected", zap.Error(err))
				continue
			}
			s.logger.Info("user joined", zap.String("username", data.Username))
		default:
			s.logger.Debug("ignoring push frame", zap.String("type", frame.Type))
		}
	}
}
