package ws

import (
	"net"
	"sync"

	"github.com/livetype/relay-chat/internal/metrics"
)

// ConnectionManager is the live connection set. It indexes connections by
// id, by network connection and by room, and fans frames out to rooms.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byConn map[net.Conn]*Connection
	byRoom map[string]map[string]*Connection // room -> id -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
		byRoom: make(map[string]map[string]*Connection),
	}
}

// Add registers a connection in every index.
func (cm *ConnectionManager) Add(c *Connection) {
	cm.mu.Lock()
	cm.byID[c.ID] = c
	cm.byConn[c.Conn] = c
	members, ok := cm.byRoom[c.Room]
	if !ok {
		members = make(map[string]*Connection)
		cm.byRoom[c.Room] = members
	}
	members[c.ID] = c
	cm.mu.Unlock()

	metrics.ConnectionsTotal.Inc()
}

// Remove unregisters a connection by id and closes it. It returns false if
// the connection was already gone, so concurrent removals clean up once.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	c, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, c.Conn)
		if members := cm.byRoom[c.Room]; members != nil {
			delete(members, id)
			if len(members) == 0 {
				delete(cm.byRoom, c.Room)
			}
		}
	}
	cm.mu.Unlock()

	if ok {
		_ = c.Close()
		metrics.ConnectionsTotal.Dec()
	}
	return ok
}

// Get returns the connection for the given id, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	c := cm.byID[id]
	cm.mu.RUnlock()
	return c
}

// GetByConn returns the connection wrapping netConn, or nil if not found.
func (cm *ConnectionManager) GetByConn(netConn net.Conn) *Connection {
	cm.mu.RLock()
	c := cm.byConn[netConn]
	cm.mu.RUnlock()
	return c
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// RoomCount returns the number of connections in room.
func (cm *ConnectionManager) RoomCount(room string) int {
	cm.mu.RLock()
	n := len(cm.byRoom[room])
	cm.mu.RUnlock()
	return n
}

// BroadcastRoom queues data for every connection in room except excludeID
// and returns how many accepted it. A full queue drops the frame for that
// connection only.
func (cm *ConnectionManager) BroadcastRoom(room string, data []byte, excludeID string) int {
	cm.mu.RLock()
	targets := make([]*Connection, 0, len(cm.byRoom[room]))
	for id, c := range cm.byRoom[room] {
		if id != excludeID {
			targets = append(targets, c)
		}
	}
	cm.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if c.Send(data) {
			delivered++
		} else {
			metrics.FanoutDropped.Inc()
		}
	}
	return delivered
}

// Unicast queues data for a single connection.
func (cm *ConnectionManager) Unicast(id string, data []byte) bool {
	c := cm.Get(id)
	if c == nil {
		return false
	}
	if !c.Send(data) {
		metrics.FanoutDropped.Inc()
		return false
	}
	return true
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, c := range cm.byID {
		conns = append(conns, c)
	}
	cm.mu.RUnlock()
	return conns
}
