package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"fleet-dispatch/internal/events"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingPeriod   = wsPongWait * 9 / 10
)

// handleSubscribe upgrades the connection and streams every event routed to
// the caller's rooms until either side goes away. Clients only read; any
// message they send is discarded.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	claims := mustClaims(r)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe(events.SubscriberChannels(claims.Subject, claims.Role)...)
	defer sub.Close()
	log := s.logger.With("subject", claims.Subject, "role", claims.Role)
	log.Info("websocket subscribed", "channels", sub.Channels())

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			log.Info("websocket closed", "dropped", sub.Dropped())
			return
		case <-r.Context().Done():
			return
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(evt); err != nil {
				log.Warn("websocket write failed", "err", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}
