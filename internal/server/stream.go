package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/coachai/coach/internal/coach"
	"github.com/coachai/coach/internal/observe"
)

// streamWriteTimeout bounds a single snapshot write to a slow client.
const streamWriteTimeout = 5 * time.Second

// handleStateStream handles GET /api/state/ws. The current snapshot is sent
// right after the upgrade; afterwards only the latest pending snapshot is
// delivered, older ones are coalesced away.
func (s *Server) handleStateStream(w http.ResponseWriter, r *http.Request) {
	log := observe.LoggerFrom(r.Context(), s.logger)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Warn("server: websocket accept", "err", err)
		return
	}
	defer conn.CloseNow()

	// CloseRead discards client frames and cancels ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())

	pending := make(chan coach.Snapshot, 1)
	unsub := s.ctrl.Subscribe(func(snap coach.Snapshot) {
		for {
			select {
			case pending <- snap:
				return
			default:
			}
			select {
			case <-pending:
			default:
			}
		}
	})
	defer unsub()

	if err := s.writeSnapshot(ctx, conn, s.ctrl.Snapshot()); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case snap := <-pending:
			if err := s.writeSnapshot(ctx, conn, snap); err != nil {
				if !errors.Is(err, context.Canceled) {
					log.Debug("server: state stream write", "err", err)
				}
				return
			}
		}
	}
}

func (s *Server) writeSnapshot(ctx context.Context, conn *websocket.Conn, snap coach.Snapshot) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, snap)
}
