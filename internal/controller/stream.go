package controller

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"betterclock/internal/clocksync"
	"betterclock/internal/config"
)

const streamWriteTimeout = 2 * time.Second

// handleStream pushes the state payload over a websocket every stream interval.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// Reads only detect the peer going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	interval := time.Duration(s.cfg.StreamIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = config.DefaultStreamIntervalMs * time.Millisecond
	}
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Debug().Str("remote", r.RemoteAddr).Msg("state stream opened")
	defer s.logger.Debug().Str("remote", r.RemoteAddr).Msg("state stream closed")

	for {
		now := s.clock.Now()
		msg := s.state(now)
		msg.ResponseSendUnixMs = clocksync.UnixMs(s.clock.Now())
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			return
		}

		select {
		case <-r.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(streamWriteTimeout))
			return
		case <-closed:
			return
		case <-ticker.Chan():
		}
	}
}
