package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/skobkin/devbridge/internal/connectors"
)

type JournalEntry struct {
	Kind string
	Text string
	At   time.Time
}

const (
	JournalKindLine = "line"
	JournalKindLink = "link"
)

type JournalRepo struct {
	db *sql.DB
}

func NewJournalRepo(db *sql.DB) *JournalRepo {
	return &JournalRepo{db: db}
}

func (r *JournalRepo) AppendLine(ctx context.Context, line connectors.DeviceLine) error {
	at := line.At
	if at.IsZero() {
		at = time.Now()
	}
	if _, err := r.db.ExecContext(ctx, `INSERT INTO device_lines(text, at) VALUES (?, ?)`, line.Text, toUnixMillis(at)); err != nil {
		return fmt.Errorf("insert device line: %w", err)
	}

	return nil
}

func (r *JournalRepo) AppendLinkEvent(ctx context.Context, status connectors.LinkStatus) error {
	at := status.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO link_events(state, transport, target, error, at)
		VALUES (?, ?, ?, ?, ?)
	`, string(status.State), status.TransportName, nullableString(status.Target), nullableString(status.Err), toUnixMillis(at))
	if err != nil {
		return fmt.Errorf("insert link event: %w", err)
	}

	return nil
}

// Tail returns the newest limit journal entries, oldest first. Device lines
// and link events are interleaved by time.
func (r *JournalRepo) Tail(ctx context.Context, limit int) ([]JournalEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT kind, text, at FROM (
			SELECT 'line' AS kind, text, at, id, 0 AS src FROM device_lines
			UNION ALL
			SELECT 'link' AS kind,
				state || ' ' || transport || COALESCE(' ' || target, '') || COALESCE(': ' || error, ''),
				at, id, 1 AS src
			FROM link_events
		)
		ORDER BY at DESC, src DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("tail journal: %w", err)
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		var (
			e  JournalEntry
			ms int64
		)
		if err := rows.Scan(&e.Kind, &e.Text, &ms); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		e.At = fromUnixMillis(ms)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}

	return out, nil
}

// TrimLines keeps only the newest keep device lines.
func (r *JournalRepo) TrimLines(ctx context.Context, keep int) error {
	if keep <= 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM device_lines
		WHERE id <= (SELECT id FROM device_lines ORDER BY id DESC LIMIT 1 OFFSET ?)
	`, keep)
	if err != nil {
		return fmt.Errorf("trim device lines: %w", err)
	}

	return nil
}

func (r *JournalRepo) CountLines(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM device_lines`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count device lines: %w", err)
	}

	return n, nil
}
