package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cardscan/cardscan/internal/models"
)

// CreateSession opens a new scan session
func (s *DB) CreateSession(ctx context.Context, label string) (*models.ScanSession, error) {
	now := time.Now().UTC()

	var id int64
	err := retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			"INSERT INTO scan_sessions (label, status, created_at) VALUES (?, ?, ?)",
			label, models.SessionOpen, formatTime(now),
		)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}

	return &models.ScanSession{
		ID:        id,
		Label:     label,
		Status:    models.SessionOpen,
		CreatedAt: now,
	}, nil
}

// GetSession loads a session with its record count
func (s *DB) GetSession(ctx context.Context, id int64) (*models.ScanSession, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT s.id, s.label, s.status, s.created_at, s.closed_at,
               (SELECT COUNT(1) FROM scan_records r WHERE r.session_id = s.id)
        FROM scan_sessions s WHERE s.id = ?`, id)

	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %d: %w", id, err)
	}
	return session, nil
}

// ListSessions returns all sessions, newest first
func (s *DB) ListSessions(ctx context.Context) ([]*models.ScanSession, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT s.id, s.label, s.status, s.created_at, s.closed_at,
               (SELECT COUNT(1) FROM scan_records r WHERE r.session_id = s.id)
        FROM scan_sessions s ORDER BY s.id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.ScanSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// CloseSession marks a session closed and summarizes its records.
// Closing an already closed session returns the summary again.
func (s *DB) CloseSession(ctx context.Context, id int64) (*models.SessionSummary, error) {
	session, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	if session.Status != models.SessionClosed {
		now := time.Now().UTC()
		err := retryOnBusy(ctx, func() error {
			_, err := s.db.ExecContext(ctx,
				"UPDATE scan_sessions SET status = ?, closed_at = ? WHERE id = ?",
				models.SessionClosed, formatTime(now), id,
			)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to close session %d: %w", id, err)
		}
		session.Status = models.SessionClosed
		session.ClosedAt = &now
	}

	summary := &models.SessionSummary{Session: *session}
	var total sql.NullFloat64
	var currency sql.NullString
	err = s.db.QueryRowContext(ctx, `
        SELECT COUNT(1),
               COALESCE(SUM(CASE WHEN duplicate_of IS NOT NULL THEN 1 ELSE 0 END), 0),
               SUM(price_final),
               MAX(price_currency)
        FROM scan_records WHERE session_id = ?`, id,
	).Scan(&summary.Records, &summary.Duplicates, &total, &currency)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize session %d: %w", id, err)
	}
	summary.TotalValue = total.Float64
	summary.Currency = currency.String
	return summary, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.ScanSession, error) {
	var (
		session   models.ScanSession
		createdAt string
		closedAt  sql.NullString
	)
	if err := row.Scan(&session.ID, &session.Label, &session.Status, &createdAt, &closedAt, &session.RecordCount); err != nil {
		return nil, err
	}
	session.CreatedAt = parseTime(createdAt)
	if closedAt.Valid {
		t := parseTime(closedAt.String)
		session.ClosedAt = &t
	}
	return &session, nil
}
