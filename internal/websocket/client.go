package websocket

import (
	"sync"
	"time"

	"github.com/mohit67890/realm-sync-server-sub000/internal/domain"

	"github.com/gorilla/websocket"
)

// Client is one connected session. Its transient subscription map is owned by
// the connection: populated by subscribe/unsubscribe messages, read by the
// router, discarded with the connection.
type Client struct {
	ID      string
	UserID  string
	Conn    *websocket.Conn
	Manager *Manager
	Send    chan []byte

	transientMu sync.RWMutex
	transient   map[string][]domain.TransientQuery
}

func NewClient(id, userID string, conn *websocket.Conn, manager *Manager) *Client {
	return &Client{
		ID:        id,
		UserID:    userID,
		Conn:      conn,
		Manager:   manager,
		Send:      make(chan []byte, 256),
		transient: make(map[string][]domain.TransientQuery),
	}
}

func (c *Client) SetTransient(collection string, queries []domain.TransientQuery) {
	c.transientMu.Lock()
	defer c.transientMu.Unlock()
	c.transient[collection] = queries
}

func (c *Client) RemoveTransient(collection string) {
	c.transientMu.Lock()
	defer c.transientMu.Unlock()
	delete(c.transient, collection)
}

func (c *Client) TransientFor(collection string) []domain.TransientQuery {
	c.transientMu.RLock()
	defer c.transientMu.RUnlock()
	queries := c.transient[collection]
	out := make([]domain.TransientQuery, len(queries))
	copy(out, queries)
	return out
}

func (c *Client) TransientCount() int {
	c.transientMu.RLock()
	defer c.transientMu.RUnlock()
	n := 0
	for _, queries := range c.transient {
		n += len(queries)
	}
	return n
}

func (c *Client) ReadPump() {
	defer func() {
		c.Manager.Unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Manager.logger.Warn().Err(err).Str("client", c.ID).Msg("websocket read error")
			}
			break
		}

		c.Manager.HandleMessage <- &ClientMessage{
			Client:  c,
			Message: message,
		}
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(c.Manager.pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.Send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.Send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
