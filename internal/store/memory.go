package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/robolink/robolink/internal/protocol"
)

// MemoryStore is an in-memory Store used by tests and ephemeral relays. It
// implements the same pagination and idempotency contract as the SQLite
// store.
type MemoryStore struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	presence    map[string]*Presence
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		connections: make(map[string]*Connection),
		presence:    make(map[string]*Presence),
	}
}

func (s *MemoryStore) PutConnection(_ context.Context, conn *Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *conn
	s.connections[conn.ID] = &c
	return nil
}

func (s *MemoryStore) GetConnection(_ context.Context, id string) (*Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conn, ok := s.connections[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *conn
	return &c, nil
}

func (s *MemoryStore) DeleteConnection(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.connections, id)
	return nil
}

func (s *MemoryStore) SetRole(_ context.Context, id string, role protocol.Role) error {
	return s.update(id, func(c *Connection) { c.Role = role })
}

func (s *MemoryStore) SetProtocol(_ context.Context, id string, p protocol.Protocol) error {
	return s.update(id, func(c *Connection) { c.Protocol = p })
}

func (s *MemoryStore) TouchActivity(_ context.Context, id string, at time.Time) error {
	return s.update(id, func(c *Connection) { c.LastActivityAt = at })
}

func (s *MemoryStore) RecordPong(_ context.Context, id string, at time.Time) error {
	return s.update(id, func(c *Connection) {
		t := at
		c.LastPongAt = &t
	})
}

func (s *MemoryStore) update(id string, fn func(*Connection)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.connections[id]
	if !ok {
		return ErrNotFound
	}
	fn(conn)
	return nil
}

func (s *MemoryStore) ListConnections(_ context.Context, cursor string, limit int) ([]*Connection, string, error) {
	return s.listConnections(cursor, limit, nil)
}

func (s *MemoryStore) ListStaleConnections(_ context.Context, olderThan time.Time, cursor string, limit int) ([]*Connection, string, error) {
	return s.listConnections(cursor, limit, func(c *Connection) bool {
		return c.LastActivityAt.Before(olderThan)
	})
}

func (s *MemoryStore) listConnections(cursor string, limit int, match func(*Connection) bool) ([]*Connection, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.connections))
	for id, conn := range s.connections {
		if id > cursor && (match == nil || match(conn)) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var out []*Connection
	for _, id := range ids {
		if len(out) == limit {
			break
		}
		c := *s.connections[id]
		out = append(out, &c)
	}

	next := ""
	if len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

func (s *MemoryStore) PutPresence(_ context.Context, p *Presence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.presence[p.RobotID] = &cp
	return nil
}

func (s *MemoryStore) GetPresence(_ context.Context, robotID string) (*Presence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.presence[robotID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) DeletePresence(_ context.Context, robotID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.presence, robotID)
	return nil
}

func (s *MemoryStore) DeletePresenceByConnection(_ context.Context, connID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for robotID, p := range s.presence {
		if p.ConnectionID == connID {
			delete(s.presence, robotID)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) ListPresence(_ context.Context, cursor string, limit int) ([]*Presence, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.presence))
	for id := range s.presence {
		if id > cursor {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var out []*Presence
	for _, id := range ids {
		if len(out) == limit {
			break
		}
		p := *s.presence[id]
		out = append(out, &p)
	}

	next := ""
	if len(out) == limit {
		next = out[len(out)-1].RobotID
	}
	return out, next, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
