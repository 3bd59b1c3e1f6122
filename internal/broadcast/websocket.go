package broadcast

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	maxInbound = 4 << 10
)

// wsSubscriber owns one websocket connection. Messages go through a bounded
// queue drained by writePump; readPump only watches for disconnects.
type wsSubscriber struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newWSSubscriber(conn *websocket.Conn, queue int) *wsSubscriber {
	return &wsSubscriber{
		id:   newID(),
		conn: conn,
		send: make(chan []byte, queue),
		done: make(chan struct{}),
	}
}

func (s *wsSubscriber) ID() string { return s.id }

func (s *wsSubscriber) Send(msg []byte) error {
	select {
	case <-s.done:
		return ErrSubscriberClosed
	default:
	}
	select {
	case s.send <- msg:
		return nil
	case <-s.done:
		return ErrSubscriberClosed
	default:
		return ErrSubscriberSlow
	}
}

func (s *wsSubscriber) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *wsSubscriber) writePump() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				_ = s.Close()
				return
			}
		case <-ping.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = s.Close()
				return
			}
		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
			return
		}
	}
}

func (s *wsSubscriber) readPump(h *Hub) {
	defer h.Unregister(s.id)
	s.conn.SetReadLimit(maxInbound)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// HandleConnect upgrades the request to a websocket and registers the
// connection as a subscriber.
func (h *Hub) HandleConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		h.logger.Warn(r.Context(), "websocket upgrade failed", "err", err.Error())
		return
	}
	s := newWSSubscriber(conn, h.queue)
	h.Register(s)
	go s.writePump()
	go s.readPump(h)
	h.logger.Info(context.WithoutCancel(r.Context()), "websocket subscriber connected", "subscriber", s.id, "remote", r.RemoteAddr)
}
