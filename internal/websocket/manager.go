package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/mohit67890/realm-sync-server-sub000/internal/domain"

	"github.com/rs/zerolog"
)

type ClientMessage struct {
	Client  *Client
	Message []byte
}

// Manager is the connection directory: it indexes live sessions per user and
// fans messages out to them. Registration and inbound dispatch run on the
// manager goroutine; broadcast reads take a snapshot under the read lock so a
// session disconnecting mid-iteration cannot fault the caller.
type Manager struct {
	clients        map[string]*Client
	userIndex      map[string]map[string]bool
	clientsMutex   sync.RWMutex
	Register       chan *Client
	Unregister     chan *Client
	HandleMessage  chan *ClientMessage
	maxConnPerUser int
	writeWait      time.Duration
	pongWait       time.Duration
	pingPeriod     time.Duration
	messageHandler MessageHandler
	logger         zerolog.Logger
}

type MessageHandler interface {
	HandleWebSocketMessage(client *Client, msg *Message) error
}

func NewManager(maxConnPerUser int, writeWait, pongWait, pingPeriod time.Duration, logger zerolog.Logger) *Manager {
	return &Manager{
		clients:        make(map[string]*Client),
		userIndex:      make(map[string]map[string]bool),
		Register:       make(chan *Client),
		Unregister:     make(chan *Client),
		HandleMessage:  make(chan *ClientMessage),
		maxConnPerUser: maxConnPerUser,
		writeWait:      writeWait,
		pongWait:       pongWait,
		pingPeriod:     pingPeriod,
		logger:         logger,
	}
}

func (m *Manager) SetMessageHandler(handler MessageHandler) {
	m.messageHandler = handler
}

func (m *Manager) Run() {
	for {
		select {
		case client := <-m.Register:
			m.registerClient(client)

		case client := <-m.Unregister:
			m.unregisterClient(client)

		case clientMsg := <-m.HandleMessage:
			m.processMessage(clientMsg)
		}
	}
}

func (m *Manager) registerClient(client *Client) {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	if m.userIndex[client.UserID] == nil {
		m.userIndex[client.UserID] = make(map[string]bool)
	}

	if len(m.userIndex[client.UserID]) >= m.maxConnPerUser {
		m.logger.Warn().Str("user", client.UserID).Msg("max connections reached")
		close(client.Send)
		return
	}

	m.clients[client.ID] = client
	m.userIndex[client.UserID][client.ID] = true

	m.logger.Info().Str("client", client.ID).Str("user", client.UserID).Msg("client registered")
}

func (m *Manager) unregisterClient(client *Client) {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	if _, ok := m.clients[client.ID]; ok {
		delete(m.clients, client.ID)
		delete(m.userIndex[client.UserID], client.ID)

		if len(m.userIndex[client.UserID]) == 0 {
			delete(m.userIndex, client.UserID)
		}

		close(client.Send)
		m.logger.Info().Str("client", client.ID).Msg("client unregistered")
	}
}

func (m *Manager) processMessage(clientMsg *ClientMessage) {
	var msg Message
	if err := json.Unmarshal(clientMsg.Message, &msg); err != nil {
		m.logger.Warn().Err(err).Str("client", clientMsg.Client.ID).Msg("malformed message")
		return
	}

	if m.messageHandler != nil {
		if err := m.messageHandler.HandleWebSocketMessage(clientMsg.Client, &msg); err != nil {
			m.logger.Error().Err(err).Str("client", clientMsg.Client.ID).Str("type", string(msg.Type)).Msg("message handling failed")
		}
	}
}

// ConnectedUserIDs snapshots the users with at least one live session; the
// delivery set for a change is drawn from this.
func (m *Manager) ConnectedUserIDs() []string {
	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()

	ids := make([]string, 0, len(m.userIndex))
	for userID := range m.userIndex {
		ids = append(ids, userID)
	}
	return ids
}

func (m *Manager) HasConnections(userID string) bool {
	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()

	return len(m.userIndex[userID]) > 0
}

// TransientQueries aggregates the transient filters for one collection
// across every session the user has open.
func (m *Manager) TransientQueries(userID, collection string) []domain.TransientQuery {
	var queries []domain.TransientQuery
	for _, client := range m.clientsForUser(userID) {
		queries = append(queries, client.TransientFor(collection)...)
	}
	return queries
}

// TransientCount counts the user's transient filters across all collections
// and sessions.
func (m *Manager) TransientCount(userID string) int {
	n := 0
	for _, client := range m.clientsForUser(userID) {
		n += client.TransientCount()
	}
	return n
}

func (m *Manager) clientsForUser(userID string) []*Client {
	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()

	clientIDs := m.userIndex[userID]
	clients := make([]*Client, 0, len(clientIDs))
	for clientID := range clientIDs {
		if client, ok := m.clients[clientID]; ok {
			clients = append(clients, client)
		}
	}
	return clients
}

// Send pushes a message to every session of the user, fire and forget. A
// session with a full buffer is dropped rather than blocking the apply path.
func (m *Manager) Send(userID string, message *Message, excludeClientID string) error {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		return err
	}

	for _, client := range m.clientsForUser(userID) {
		if client.ID == excludeClientID {
			continue
		}
		select {
		case client.Send <- messageBytes:
		default:
			// Slow consumer. Close the socket so its read pump exits and
			// unregisters it; blocking the apply path is not an option.
			m.logger.Warn().Str("client", client.ID).Msg("send buffer full, dropping connection")
			client.Conn.Close()
		}
	}

	return nil
}

func (m *Manager) SendToClient(client *Client, message *Message) error {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		return err
	}

	select {
	case client.Send <- messageBytes:
	default:
		m.logger.Warn().Str("client", client.ID).Msg("send buffer full")
	}

	return nil
}
