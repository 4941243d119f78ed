package handlers

import (
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"
	"github.com/uneseule/uneseule-backend/internal/events"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// EventStream pushes published events to an operator websocket until either
// side closes
func EventStream(hub *events.Hub, logger *logrus.Logger) func(*websocket.Conn) {
	return func(conn *websocket.Conn) {
		feed, cancel := hub.Subscribe()
		defer cancel()

		log := logger.WithField("remote", conn.RemoteAddr().String())
		log.Info("Event stream opened")
		defer log.Info("Event stream closed")

		// the reader only notices the peer going away
		closed := make(chan struct{})
		go func() {
			defer close(closed)
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
				return
			case ev, ok := <-feed:
				if !ok {
					_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteJSON(ev); err != nil {
					log.WithError(err).Debug("Event stream write failed")
					return
				}
			case <-ping.C:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}
}
