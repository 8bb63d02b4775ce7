// Package store holds the connection registry and the robot presence
// directory. The store is the only source of truth for "is this channel
// known"; no in-process cache sits in front of it. The presence directory is
// a secondary index keyed by robot id and must never outlive the connection
// it points at.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/robolink/robolink/internal/protocol"
)

// ErrNotFound is returned when a connection or presence entry does not
// exist. Deletes never return it; they are idempotent by contract so the
// reaper can retry cleanup safely.
var ErrNotFound = errors.New("store: not found")

// Connection is the registry record of one open channel.
type Connection struct {
	// ID is the opaque channel id assigned at open, immutable.
	ID string

	// Role is client until a registration message promotes the channel to
	// robot. Monitors are assigned at open and never change.
	Role protocol.Role

	// OwnerUserID is the authenticated principal that opened the channel.
	OwnerUserID string

	// Groups are the owner's group memberships, captured at channel open.
	Groups []string

	// Protocol is fixed by the first inbound message; empty until then.
	Protocol protocol.Protocol

	// LastActivityAt advances on every accepted message and selects reap
	// candidates.
	LastActivityAt time.Time

	// LastPongAt is the most recent accepted liveness confirmation, nil
	// until the first pong.
	LastPongAt *time.Time
}

// Presence maps a robot's logical id to its current channel.
type Presence struct {
	RobotID      string
	ConnectionID string
	OwnerUserID  string
	Status       string
	UpdatedAt    time.Time
}

// StatusOnline is the only presence status this layer needs.
const StatusOnline = "online"

// Store is the storage contract consumed by the router, the reaper and the
// keepalive pinger. Implementations must provide strongly consistent
// single-key reads and writes plus keyset-paginated scans. No operation
// joins across entities; callers do the joining.
type Store interface {
	// PutConnection inserts or replaces a connection record.
	PutConnection(ctx context.Context, conn *Connection) error

	// GetConnection returns ErrNotFound for unknown ids.
	GetConnection(ctx context.Context, id string) (*Connection, error)

	// DeleteConnection is a no-op for unknown ids.
	DeleteConnection(ctx context.Context, id string) error

	// SetRole records the one-time client-to-robot promotion.
	SetRole(ctx context.Context, id string, role protocol.Role) error

	// SetProtocol records the wire shape decided on the first message.
	SetProtocol(ctx context.Context, id string, p protocol.Protocol) error

	// TouchActivity advances LastActivityAt.
	TouchActivity(ctx context.Context, id string, at time.Time) error

	// RecordPong sets LastPongAt.
	RecordPong(ctx context.Context, id string, at time.Time) error

	// ListConnections pages through the whole registry ordered by id.
	// An empty cursor starts from the beginning; an empty next cursor
	// means the scan is done.
	ListConnections(ctx context.Context, cursor string, limit int) ([]*Connection, string, error)

	// ListStaleConnections pages through connections whose LastActivityAt
	// is strictly older than the given time.
	ListStaleConnections(ctx context.Context, olderThan time.Time, cursor string, limit int) ([]*Connection, string, error)

	// PutPresence upserts; the last registration wins.
	PutPresence(ctx context.Context, p *Presence) error

	// GetPresence returns ErrNotFound for unknown robots.
	GetPresence(ctx context.Context, robotID string) (*Presence, error)

	// DeletePresence is a no-op for unknown robots.
	DeletePresence(ctx context.Context, robotID string) error

	// DeletePresenceByConnection removes every presence entry pointing at
	// the connection and returns how many were removed. Used on channel
	// close and by the reaper.
	DeletePresenceByConnection(ctx context.Context, connID string) (int, error)

	// ListPresence pages through the presence directory ordered by robot id.
	ListPresence(ctx context.Context, cursor string, limit int) ([]*Presence, string, error)

	Close() error
}
