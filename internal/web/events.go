package web

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iobeam/rssibeam/internal/events"
)

const (
	eventBuffer  = 64
	writeTimeout = 5 * time.Second
	pingEvery    = 30 * time.Second
)

// handleEvents upgrades to a WebSocket, replays recent history, then
// streams live bus events as JSON text frames until either side goes
// away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bus == nil {
		s.errorResponse(w, http.StatusNotFound, "event stream disabled")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub, recent := s.deps.Bus.SubscribeRecent(eventBuffer)
	defer sub.Close()

	// The reader only exists to notice the peer closing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	s.logger.Debug("event stream opened", "remote", r.RemoteAddr)
	defer s.logger.Debug("event stream closed", "remote", r.RemoteAddr)

	for _, e := range recent {
		if !s.sendEvent(conn, e) {
			return
		}
	}

	ping := time.NewTicker(pingEvery)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.closeStream(conn)
			return
		case <-gone:
			return
		case e, ok := <-sub.C:
			if !ok || !s.sendEvent(conn, e) {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (s *Server) sendEvent(conn *websocket.Conn, e events.Event) bool {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(e); err != nil {
		s.logger.Debug("event stream write failed", "error", err)
		return false
	}
	return true
}

func (s *Server) closeStream(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
}
