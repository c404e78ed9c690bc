package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/vovakirdan/wirecall/internal/store"
)

//go:embed schema.sql
var schema string

// SQLiteStore implements store.Store for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// New opens the database at dbPath and applies the schema.
func New(dbPath string) (*SQLiteStore, error) {
	return NewWithSetup(dbPath, nil)
}

// NewWithSetup opens the database, applies the schema and then runs setup.
// Useful for tests that need seed rows.
func NewWithSetup(dbPath string, setup func(*sql.DB) error) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with single connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	if setup != nil {
		if err := setup(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ==== UserStore implementation ====

// CreateUser creates a new user with hashed password.
func (s *SQLiteStore) CreateUser(ctx context.Context, username, passwordHash string) (*store.User, error) {
	query := `
		INSERT INTO users (username, password_hash)
		VALUES (?, ?)
	`
	result, err := s.db.ExecContext(ctx, query, username, passwordHash)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}

	return s.GetUserByID(ctx, id)
}

// GetUserByID retrieves a user by ID.
func (s *SQLiteStore) GetUserByID(ctx context.Context, id int64) (*store.User, error) {
	query := `
		SELECT id, username, password_hash, created_at
		FROM users
		WHERE id = ?
	`
	return s.scanUser(s.db.QueryRowContext(ctx, query, id))
}

// GetUserByUsername retrieves a user by username.
func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*store.User, error) {
	query := `
		SELECT id, username, password_hash, created_at
		FROM users
		WHERE username = ?
	`
	return s.scanUser(s.db.QueryRowContext(ctx, query, username))
}

func (s *SQLiteStore) scanUser(row *sql.Row) (*store.User, error) {
	var user store.User
	err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user: %w", store.ErrNotFound)
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &user, nil
}

// ==== CallStore implementation ====

const callColumns = `id, kind, name, call_type, owner_id, channel_name, status, is_public, password_hash, max_participants, created_at, updated_at, ended_at`

// CreateCall creates a new call.
func (s *SQLiteStore) CreateCall(ctx context.Context, call *store.Call) error {
	now := time.Now().UTC()
	if call.CreatedAt.IsZero() {
		call.CreatedAt = now
	}
	call.UpdatedAt = call.CreatedAt

	query := `
		INSERT INTO calls (` + callColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		call.ID,
		string(call.Kind),
		call.Name,
		call.CallType,
		call.OwnerID,
		call.ChannelName,
		string(call.Status),
		call.IsPublic,
		call.PasswordHash,
		call.MaxParticipants,
		call.CreatedAt,
		call.UpdatedAt,
		call.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("insert call: %w", err)
	}
	return nil
}

// UpdateCall updates an existing call.
func (s *SQLiteStore) UpdateCall(ctx context.Context, call *store.Call) error {
	call.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE calls
		SET status = ?, updated_at = ?, ended_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		string(call.Status),
		call.UpdatedAt,
		call.EndedAt,
		call.ID,
	)
	if err != nil {
		return fmt.Errorf("update call: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("call %s: %w", call.ID, store.ErrNotFound)
	}
	return nil
}

// GetCall retrieves a call by ID.
func (s *SQLiteStore) GetCall(ctx context.Context, id string) (*store.Call, error) {
	query := `SELECT ` + callColumns + ` FROM calls WHERE id = ?`

	call, err := scanCall(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("call %s: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("query call: %w", err)
	}
	return call, nil
}

// ListCalls lists calls matching the filter, newest first.
func (s *SQLiteStore) ListCalls(ctx context.Context, filter store.CallFilter) ([]*store.Call, error) {
	var (
		where []string
		args  []any
	)
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.PublicOnly {
		where = append(where, "is_public = 1")
	}
	if filter.OwnerID != 0 {
		where = append(where, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}

	query := `SELECT ` + callColumns + ` FROM calls`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query calls: %w", err)
	}
	defer rows.Close()

	var calls []*store.Call
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		calls = append(calls, call)
	}
	return calls, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCall(row scanner) (*store.Call, error) {
	var call store.Call
	var kind, status string
	var endedAt sql.NullTime

	err := row.Scan(
		&call.ID,
		&kind,
		&call.Name,
		&call.CallType,
		&call.OwnerID,
		&call.ChannelName,
		&status,
		&call.IsPublic,
		&call.PasswordHash,
		&call.MaxParticipants,
		&call.CreatedAt,
		&call.UpdatedAt,
		&endedAt,
	)
	if err != nil {
		return nil, err
	}

	call.Kind = store.CallKind(kind)
	call.Status = store.CallStatus(status)
	if endedAt.Valid {
		call.EndedAt = &endedAt.Time
	}
	return &call, nil
}

// AddInvitee records a user invited to a private call.
func (s *SQLiteStore) AddInvitee(ctx context.Context, callID string, userID int64) error {
	query := `INSERT OR IGNORE INTO call_invitees (call_id, user_id) VALUES (?, ?)`
	if _, err := s.db.ExecContext(ctx, query, callID, userID); err != nil {
		return fmt.Errorf("insert invitee: %w", err)
	}
	return nil
}

// IsInvitee reports whether the user was invited to the call.
func (s *SQLiteStore) IsInvitee(ctx context.Context, callID string, userID int64) (bool, error) {
	query := `SELECT 1 FROM call_invitees WHERE call_id = ? AND user_id = ?`
	var one int
	err := s.db.QueryRowContext(ctx, query, callID, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query invitee: %w", err)
	}
	return true, nil
}

// AddParticipant adds a participant to a call.
func (s *SQLiteStore) AddParticipant(ctx context.Context, p *store.CallParticipant) error {
	query := `
		INSERT INTO call_participants (call_id, user_id, joined_at, left_at, reason)
		VALUES (?, ?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query, p.CallID, p.UserID, p.JoinedAt, p.LeftAt, p.Reason)
	if err != nil {
		return fmt.Errorf("insert participant: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get last insert id: %w", err)
	}
	p.ID = id
	return nil
}

// UpdateParticipant updates a participant record.
func (s *SQLiteStore) UpdateParticipant(ctx context.Context, p *store.CallParticipant) error {
	query := `
		UPDATE call_participants
		SET joined_at = ?, left_at = ?, reason = ?
		WHERE call_id = ? AND user_id = ?
	`
	_, err := s.db.ExecContext(ctx, query, p.JoinedAt, p.LeftAt, p.Reason, p.CallID, p.UserID)
	if err != nil {
		return fmt.Errorf("update participant: %w", err)
	}
	return nil
}

// GetParticipant retrieves a participant from a call.
func (s *SQLiteStore) GetParticipant(ctx context.Context, callID string, userID int64) (*store.CallParticipant, error) {
	query := `
		SELECT id, call_id, user_id, joined_at, left_at, reason
		FROM call_participants
		WHERE call_id = ? AND user_id = ?
	`
	p, err := scanParticipant(s.db.QueryRowContext(ctx, query, callID, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("participant: %w", store.ErrNotFound)
		}
		return nil, fmt.Errorf("query participant: %w", err)
	}
	return p, nil
}

// ListParticipants lists participants in join order.
func (s *SQLiteStore) ListParticipants(ctx context.Context, callID string, activeOnly bool) ([]*store.CallParticipant, error) {
	query := `
		SELECT id, call_id, user_id, joined_at, left_at, reason
		FROM call_participants
		WHERE call_id = ?
	`
	if activeOnly {
		query += " AND left_at IS NULL"
	}
	query += " ORDER BY joined_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, callID)
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	defer rows.Close()

	var participants []*store.CallParticipant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

// CountActiveParticipants counts participants still occupying a slot.
func (s *SQLiteStore) CountActiveParticipants(ctx context.Context, callID string) (int, error) {
	query := `SELECT COUNT(*) FROM call_participants WHERE call_id = ? AND left_at IS NULL`
	var n int
	if err := s.db.QueryRowContext(ctx, query, callID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count participants: %w", err)
	}
	return n, nil
}

func scanParticipant(row scanner) (*store.CallParticipant, error) {
	var p store.CallParticipant
	var leftAt sql.NullTime
	var reason sql.NullString

	if err := row.Scan(&p.ID, &p.CallID, &p.UserID, &p.JoinedAt, &leftAt, &reason); err != nil {
		return nil, err
	}
	if leftAt.Valid {
		p.LeftAt = &leftAt.Time
	}
	if reason.Valid {
		p.Reason = &reason.String
	}
	return &p, nil
}

// Ensure SQLiteStore implements store.Store
var _ store.Store = (*SQLiteStore)(nil)
