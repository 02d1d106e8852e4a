package commandlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/conductor"
)

// Page size bounds for List.
const (
	defaultLimit = 50
	maxLimit     = 500
)

// timeLayout keeps recorded_at lexically sortable.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// Entry is one executed command.
type Entry struct {
	ID               string          `json:"id"`
	ActionID         string          `json:"action_id"`
	DeviceID         string          `json:"device_id"`
	QueueID          string          `json:"queue_id,omitempty"`
	TimelineObjectID string          `json:"timeline_object_id,omitempty"`
	Context          string          `json:"context,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	PlannedMS        int64           `json:"planned_ms"`
	AddedMS          int64           `json:"added_ms"`
	StartedMS        int64           `json:"started_ms"`
	EndedMS          int64           `json:"ended_ms"`
	Error            string          `json:"error,omitempty"`
	RecordedAt       time.Time       `json:"recorded_at"`
}

// LatenessMS is how late the command started.
func (e Entry) LatenessMS() int64 {
	return e.StartedMS - e.PlannedMS
}

// FromReport converts a conductor command report. A payload that cannot be
// encoded is left empty.
func FromReport(r *conductor.CommandReport) Entry {
	e := Entry{
		ActionID:         r.ActionID,
		DeviceID:         r.DeviceID,
		QueueID:          r.QueueID,
		TimelineObjectID: r.TimelineObjectID,
		Context:          r.Context,
		PlannedMS:        r.Planned,
		AddedMS:          r.Added,
		StartedMS:        r.Start,
		EndedMS:          r.End,
		Error:            r.ErrorText(),
	}
	if r.Payload != nil {
		if b, err := json.Marshal(r.Payload); err == nil {
			e.Payload = b
		}
	}
	return e
}

// Filter controls which entries List returns.
type Filter struct {
	DeviceID   string // optional: one device
	FailedOnly bool   // only entries with an error
	Limit      int    // default 50, max 500
	Offset     int    // pagination offset
}

// ListResult is a page of entries, newest first.
type ListResult struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// Repository defines the command log operations.
type Repository interface {
	Record(ctx context.Context, e *Entry) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// SQLiteRepository stores entries in the command_log table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a command log repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Record inserts an entry. ID and RecordedAt are generated if empty.
func (r *SQLiteRepository) Record(ctx context.Context, e *Entry) error {
	if e.DeviceID == "" {
		return fmt.Errorf("%w: device id is required", ErrInvalidEntry)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}

	var payload any
	if len(e.Payload) > 0 {
		payload = string(e.Payload)
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO command_log (id, action_id, device_id, queue_id, timeline_object_id, context, payload,
		     planned_ms, added_ms, started_ms, ended_ms, error, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ActionID, e.DeviceID, e.QueueID, e.TimelineObjectID, e.Context, payload,
		e.PlannedMS, e.AddedMS, e.StartedMS, e.EndedMS,
		nullableString(e.Error),
		e.RecordedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting command log entry: %w", err)
	}
	return nil
}

// nullableString returns nil for empty strings so nullable TEXT columns stay NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// List returns entries matching the filter, most recently started first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultLimit
	}
	if filter.Limit > maxLimit {
		filter.Limit = maxLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any
	if filter.DeviceID != "" {
		conditions = append(conditions, "device_id = ?")
		args = append(args, filter.DeviceID)
	}
	if filter.FailedOnly {
		conditions = append(conditions, "error IS NOT NULL")
	}
	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM command_log %s", where) //nolint:gosec // WHERE built from fixed conditions with ? placeholders
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting command log entries: %w", err)
	}

	query := fmt.Sprintf( //nolint:gosec // WHERE built from fixed conditions with ? placeholders
		`SELECT id, action_id, device_id, queue_id, timeline_object_id, context, payload,
		        planned_ms, added_ms, started_ms, ended_ms, error, recorded_at
		 FROM command_log %s ORDER BY started_ms DESC, recorded_at DESC LIMIT ? OFFSET ?`,
		where,
	)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying command log: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var payload, errText sql.NullString
		var recordedAt string

		if err := rows.Scan(&e.ID, &e.ActionID, &e.DeviceID, &e.QueueID, &e.TimelineObjectID, &e.Context, &payload,
			&e.PlannedMS, &e.AddedMS, &e.StartedMS, &e.EndedMS, &errText, &recordedAt); err != nil {
			return nil, fmt.Errorf("scanning command log entry: %w", err)
		}
		if payload.Valid && payload.String != "" {
			e.Payload = json.RawMessage(payload.String)
		}
		if errText.Valid {
			e.Error = errText.String
		}
		t, err := time.Parse(timeLayout, recordedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing command log timestamp %q: %w", recordedAt, err)
		}
		e.RecordedAt = t

		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating command log: %w", err)
	}

	return &ListResult{
		Entries: entries,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	}, nil
}

// Prune deletes entries recorded before the given time and returns how many
// were removed.
func (r *SQLiteRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM command_log WHERE recorded_at < ?`,
		before.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("pruning command log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("pruning command log: %w", err)
	}
	return n, nil
}
