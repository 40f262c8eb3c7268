package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaysync/internal/syncengine"
)

const (
	streamBuffer       = 64
	streamWriteTimeout = 5 * time.Second
)

type streamHello struct {
	Type    string            `json:"type"`
	Subject string            `json:"subject"`
	Status  syncengine.Status `json:"status"`
}

// handleEvents upgrades to a websocket and forwards every SyncEvent as a
// JSON text message. Client messages are ignored; reading only detects the
// disconnect. A client too slow to keep up misses events rather than
// stalling the engine.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, claims tokenClaims) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	events, cancel := s.engine.Events().Subscribe(streamBuffer)
	defer cancel()

	log := s.log.WithFields(logrus.Fields{"subject": claims.Subject, "remote_addr": r.RemoteAddr})
	log.Info("event stream connected")
	defer log.Info("event stream disconnected")

	ctx := conn.CloseRead(r.Context())
	if err := writeStream(ctx, conn, streamHello{Type: "hello", Subject: claims.Subject, Status: s.coord.Status()}); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "event bus closed")
				return
			}
			if err := writeStream(ctx, conn, ev); err != nil {
				log.WithError(err).Debug("event stream write failed")
				return
			}
		}
	}
}

func writeStream(ctx context.Context, conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}
