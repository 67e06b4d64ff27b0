package transport

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	apperrors "github.com/anime-shed/card-scanner-go/internal/errors"
	"github.com/anime-shed/card-scanner-go/internal/logger"
)

const (
	eventWriteWait = 10 * time.Second
	eventPongWait  = 60 * time.Second
	eventPingEvery = eventPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamEvents pushes every widget event to a websocket client as JSON.
func (h *handler) streamEvents(c *gin.Context) {
	if h.deps.Stream == nil {
		fail(c, "event stream unavailable", apperrors.NewConfigurationError("event streaming is disabled", nil))
		return
	}

	// Subscribe first so no event published after the handshake is missed.
	id, events, unsubscribe := h.deps.Stream.Subscribe()
	defer unsubscribe()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	log := logger.WithField("subscriber", id)
	log.Info("Event subscriber connected")

	// Reader: handles pongs and notices the client going away.
	gone := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(eventPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(eventPongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingEvery)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				log.WithError(err).Debug("Event subscriber write failed")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteWait)); err != nil {
				return
			}
		case <-gone:
			log.Info("Event subscriber disconnected")
			return
		}
	}
}
