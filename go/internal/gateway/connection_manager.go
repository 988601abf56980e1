package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/quizclock/go/internal/remotestate"
)

// ConnectionManager streams store changes to websocket observers. Connections
// are pooled by watched path and each pool shares one store subscription.
type ConnectionManager struct {
	store remotestate.Store

	pools map[string]*pool
	mu    sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig

	broadcastCh chan BroadcastMessage
}

type pool struct {
	sub   *remotestate.Subscription
	conns map[*Connection]bool
}

// Connection is one observer socket.
type Connection struct {
	ID      string
	Path    string
	Conn    *websocket.Conn
	Send    chan []byte
	Manager *ConnectionManager

	ConnectedAt time.Time

	// mu guards Send against a close racing a broadcast
	mu     sync.Mutex
	closed bool
}

// send queues data without blocking. It reports false when the buffer is
// full or the connection is already closed.
func (c *Connection) send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

// closeSend closes Send once; the write pump then sends a close frame.
func (c *Connection) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

// ConnectionConfig holds configuration for websocket connections.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// BroadcastMessage is a change to fan out to the pool watching Path.
type BroadcastMessage struct {
	Path   string
	Change remotestate.Change
}

// Event is the frame written to observers. The snapshot is queued after the
// connection joins its pool, so a change may arrive ahead of a snapshot that
// already includes it. Clients keep the highest Change.Revision seen per path
// and drop frames at or below it.
type Event struct {
	Type   string             `json:"type"`
	Change remotestate.Change `json:"change"`
}

const (
	EventSnapshot = "snapshot"
	EventChange   = "change"
)

// DefaultConnectionConfig returns default websocket configuration.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// NewConnectionManager creates a connection manager over store.
func NewConnectionManager(store remotestate.Store, config ConnectionConfig) *ConnectionManager {
	return &ConnectionManager{
		store: store,
		pools: make(map[string]*pool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan BroadcastMessage, 1000),
	}
}

// Start processes broadcasts until ctx is done, then closes every connection.
func (cm *ConnectionManager) Start(ctx context.Context) error {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			cm.closeAll()
			return nil
		case message := <-cm.broadcastCh:
			cm.handleBroadcast(message)
		}
	}
}

// UpgradeConnection upgrades the request and starts streaming changes under path.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, path string) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		Path:        path,
		Conn:        conn,
		Send:        make(chan []byte, 256),
		Manager:     cm,
		ConnectedAt: time.Now(),
	}

	if err := cm.registerConnection(r.Context(), connection); err != nil {
		conn.Close()
		return err
	}

	// current value first so the observer can render before any change
	cm.sendSnapshot(r.Context(), connection)

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("path", path).
		Msg("websocket connection established")
	return nil
}

func (cm *ConnectionManager) registerConnection(ctx context.Context, conn *Connection) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	p, ok := cm.pools[conn.Path]
	if !ok {
		path := conn.Path
		sub, err := cm.store.Subscribe(ctx, path, func(ch remotestate.Change) {
			cm.Broadcast(path, ch)
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", path, err)
		}
		p = &pool{sub: sub, conns: make(map[*Connection]bool)}
		cm.pools[path] = p
	}
	p.conns[conn] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Str("path", conn.Path).
		Int("total_connections", len(p.conns)).
		Msg("connection registered")
	return nil
}

func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	p, ok := cm.pools[conn.Path]
	if !ok || !p.conns[conn] {
		return
	}
	delete(p.conns, conn)
	conn.closeSend()

	if len(p.conns) == 0 {
		delete(cm.pools, conn.Path)
		if err := cm.store.Unsubscribe(p.sub); err != nil {
			log.Warn().Err(err).Str("path", conn.Path).Msg("failed to unsubscribe idle pool")
		}
	}

	log.Info().
		Str("connection_id", conn.ID).
		Str("path", conn.Path).
		Msg("connection unregistered")
}

func (cm *ConnectionManager) sendSnapshot(ctx context.Context, conn *Connection) {
	entry, err := cm.store.Get(ctx, conn.Path)
	if errors.Is(err, remotestate.ErrNotFound) {
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("path", conn.Path).Msg("failed to load initial snapshot")
		return
	}

	data, err := json.Marshal(Event{
		Type:   EventSnapshot,
		Change: remotestate.Change{Path: entry.Path, Value: entry.Value, Revision: entry.Revision},
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal snapshot")
		return
	}
	if !conn.send(data) {
		log.Warn().Str("connection_id", conn.ID).Msg("connection closed before snapshot")
	}
}

// Broadcast queues ch for every connection watching path.
func (cm *ConnectionManager) Broadcast(path string, ch remotestate.Change) {
	select {
	case cm.broadcastCh <- BroadcastMessage{Path: path, Change: ch}:
	default:
		log.Warn().Str("path", path).Msg("broadcast channel full, dropping message")
	}
}

func (cm *ConnectionManager) handleBroadcast(message BroadcastMessage) {
	data, err := json.Marshal(Event{Type: EventChange, Change: message.Change})
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal change for broadcast")
		return
	}

	cm.mu.RLock()
	p, ok := cm.pools[message.Path]
	if !ok {
		cm.mu.RUnlock()
		return
	}
	var slow []*Connection
	for conn := range p.conns {
		if !conn.send(data) {
			slow = append(slow, conn)
		}
	}
	delivered := len(p.conns) - len(slow)
	cm.mu.RUnlock()

	for _, conn := range slow {
		log.Warn().
			Str("connection_id", conn.ID).
			Msg("connection send buffer full, closing connection")
		cm.unregisterConnection(conn)
		conn.Conn.Close()
	}

	log.Debug().
		Str("path", message.Change.Path).
		Uint64("revision", message.Change.Revision).
		Int("connections", delivered).
		Msg("change broadcasted")
}

func (cm *ConnectionManager) closeAll() {
	cm.mu.RLock()
	var conns []*Connection
	for _, p := range cm.pools {
		for conn := range p.conns {
			conns = append(conns, conn)
		}
	}
	cm.mu.RUnlock()

	for _, conn := range conns {
		cm.unregisterConnection(conn)
		conn.Conn.Close()
	}
}

// Stats reports active connections per watched path.
type Stats struct {
	TotalConnections int            `json:"total_connections"`
	Paths            map[string]int `json:"paths"`
}

// GetConnectionStats returns statistics about active connections.
func (cm *ConnectionManager) GetConnectionStats() Stats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	stats := Stats{Paths: make(map[string]int, len(cm.pools))}
	for path, p := range cm.pools {
		stats.TotalConnections += len(p.conns)
		stats.Paths[path] = len(p.conns)
	}
	return stats
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to websocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump only services control frames; observers never send commands.
func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected websocket close error")
			}
			return
		}

		log.Debug().
			Str("connection_id", c.ID).
			Int("bytes", len(message)).
			Msg("ignoring client message")
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}
