package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/robolink/robolink/internal/protocol"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists the registry and presence directory in a local
// SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteStore opens (creating if needed) the database at path. Parent
// directories are created automatically.
func NewSQLiteStore(path string, logger zerolog.Logger) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL keeps the scheduled jobs from blocking message handling.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger.With().Str("component", "store").Logger(),
	}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s.logger.Info().Str("path", path).Msg("Registry store initialized")
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS connections (
			connection_id    TEXT PRIMARY KEY,
			role             TEXT NOT NULL,
			owner_user_id    TEXT NOT NULL,
			groups           TEXT NOT NULL DEFAULT '',
			protocol         TEXT NOT NULL DEFAULT '',
			last_activity_at INTEGER NOT NULL,
			last_pong_at     INTEGER
		);

		CREATE INDEX IF NOT EXISTS idx_connections_activity
			ON connections(last_activity_at);

		CREATE TABLE IF NOT EXISTS presence (
			robot_id      TEXT PRIMARY KEY,
			connection_id TEXT NOT NULL,
			owner_user_id TEXT NOT NULL,
			status        TEXT NOT NULL,
			updated_at    INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_presence_connection
			ON presence(connection_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) PutConnection(ctx context.Context, conn *Connection) error {
	var pong any
	if conn.LastPongAt != nil {
		pong = conn.LastPongAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO connections
			(connection_id, role, owner_user_id, groups, protocol, last_activity_at, last_pong_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		conn.ID, string(conn.Role), conn.OwnerUserID, strings.Join(conn.Groups, ","),
		string(conn.Protocol), conn.LastActivityAt.UnixMilli(), pong)
	return err
}

func (s *SQLiteStore) GetConnection(ctx context.Context, id string) (*Connection, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT connection_id, role, owner_user_id, groups, protocol, last_activity_at, last_pong_at
		FROM connections WHERE connection_id = ?`, id)
	return scanConnection(row)
}

func (s *SQLiteStore) DeleteConnection(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM connections WHERE connection_id = ?`, id)
	return err
}

func (s *SQLiteStore) SetRole(ctx context.Context, id string, role protocol.Role) error {
	return s.updateConnection(ctx, id, `UPDATE connections SET role = ? WHERE connection_id = ?`, string(role))
}

func (s *SQLiteStore) SetProtocol(ctx context.Context, id string, p protocol.Protocol) error {
	return s.updateConnection(ctx, id, `UPDATE connections SET protocol = ? WHERE connection_id = ?`, string(p))
}

func (s *SQLiteStore) TouchActivity(ctx context.Context, id string, at time.Time) error {
	return s.updateConnection(ctx, id, `UPDATE connections SET last_activity_at = ? WHERE connection_id = ?`, at.UnixMilli())
}

func (s *SQLiteStore) RecordPong(ctx context.Context, id string, at time.Time) error {
	return s.updateConnection(ctx, id, `UPDATE connections SET last_pong_at = ? WHERE connection_id = ?`, at.UnixMilli())
}

func (s *SQLiteStore) updateConnection(ctx context.Context, id, query string, value any) error {
	res, err := s.db.ExecContext(ctx, query, value, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListConnections(ctx context.Context, cursor string, limit int) ([]*Connection, string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT connection_id, role, owner_user_id, groups, protocol, last_activity_at, last_pong_at
		FROM connections WHERE connection_id > ?
		ORDER BY connection_id LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, "", err
	}
	return collectConnections(rows, limit)
}

func (s *SQLiteStore) ListStaleConnections(ctx context.Context, olderThan time.Time, cursor string, limit int) ([]*Connection, string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT connection_id, role, owner_user_id, groups, protocol, last_activity_at, last_pong_at
		FROM connections WHERE last_activity_at < ? AND connection_id > ?
		ORDER BY connection_id LIMIT ?`, olderThan.UnixMilli(), cursor, limit)
	if err != nil {
		return nil, "", err
	}
	return collectConnections(rows, limit)
}

func (s *SQLiteStore) PutPresence(ctx context.Context, p *Presence) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO presence (robot_id, connection_id, owner_user_id, status, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		p.RobotID, p.ConnectionID, p.OwnerUserID, p.Status, p.UpdatedAt.UnixMilli())
	return err
}

func (s *SQLiteStore) GetPresence(ctx context.Context, robotID string) (*Presence, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT robot_id, connection_id, owner_user_id, status, updated_at
		FROM presence WHERE robot_id = ?`, robotID)

	p := &Presence{}
	var updated int64
	err := row.Scan(&p.RobotID, &p.ConnectionID, &p.OwnerUserID, &p.Status, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.UpdatedAt = time.UnixMilli(updated)
	return p, nil
}

func (s *SQLiteStore) DeletePresence(ctx context.Context, robotID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM presence WHERE robot_id = ?`, robotID)
	return err
}

func (s *SQLiteStore) DeletePresenceByConnection(ctx context.Context, connID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM presence WHERE connection_id = ?`, connID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SQLiteStore) ListPresence(ctx context.Context, cursor string, limit int) ([]*Presence, string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT robot_id, connection_id, owner_user_id, status, updated_at
		FROM presence WHERE robot_id > ?
		ORDER BY robot_id LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var out []*Presence
	for rows.Next() {
		p := &Presence{}
		var updated int64
		if err := rows.Scan(&p.RobotID, &p.ConnectionID, &p.OwnerUserID, &p.Status, &updated); err != nil {
			return nil, "", err
		}
		p.UpdatedAt = time.UnixMilli(updated)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(out) == limit {
		next = out[len(out)-1].RobotID
	}
	return out, next, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (*Connection, error) {
	conn := &Connection{}
	var role, groups, proto string
	var activity int64
	var pong sql.NullInt64

	err := row.Scan(&conn.ID, &role, &conn.OwnerUserID, &groups, &proto, &activity, &pong)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	conn.Role = protocol.Role(role)
	conn.Protocol = protocol.Protocol(proto)
	if groups != "" {
		conn.Groups = strings.Split(groups, ",")
	}
	conn.LastActivityAt = time.UnixMilli(activity)
	if pong.Valid {
		t := time.UnixMilli(pong.Int64)
		conn.LastPongAt = &t
	}
	return conn, nil
}

func collectConnections(rows *sql.Rows, limit int) ([]*Connection, string, error) {
	defer rows.Close()

	var out []*Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}
