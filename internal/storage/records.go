package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cardscan/cardscan/internal/models"
)

// RecordFilter narrows ListRecords
type RecordFilter struct {
	SessionID *int64
	Limit     int
}

// FingerprintRow is the stored fingerprint of one record
type FingerprintRow struct {
	ID    int64
	Hash  string
	Tiles string
}

// InsertRecord persists rec and sets its ID and CreatedAt. Records may only
// be added to open sessions.
func (s *DB) InsertRecord(ctx context.Context, rec *models.ScanRecord) (int64, error) {
	if rec.SessionID != nil {
		session, err := s.GetSession(ctx, *rec.SessionID)
		if err != nil {
			return 0, err
		}
		if session.Status == models.SessionClosed {
			return 0, fmt.Errorf("%w: %d", ErrSessionClosed, session.ID)
		}
	}

	candidate, err := json.Marshal(rec.Candidate)
	if err != nil {
		return 0, fmt.Errorf("failed to encode candidate: %w", err)
	}
	candidates := rec.Candidates
	if candidates == nil {
		candidates = []models.Candidate{}
	}
	candidatesJSON, err := json.Marshal(candidates)
	if err != nil {
		return 0, fmt.Errorf("failed to encode candidates: %w", err)
	}
	attributes, err := json.Marshal(rec.Attributes)
	if err != nil {
		return 0, fmt.Errorf("failed to encode attributes: %w", err)
	}
	pricing, err := json.Marshal(rec.Pricing)
	if err != nil {
		return 0, fmt.Errorf("failed to encode pricing: %w", err)
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	var id int64
	err = retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
            INSERT INTO scan_records (
                session_id, fingerprint, tile_fingerprint, image_path,
                candidate_id, candidate_name, candidate_json, candidates_json,
                attributes_json, pricing_json, price_final, price_currency,
                duplicate_of, duplicate_distance, created_at
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			nullInt64(rec.SessionID),
			rec.Fingerprint,
			rec.TileFingerprint,
			rec.ImagePath,
			rec.Candidate.ID,
			rec.Candidate.Name,
			string(candidate),
			string(candidatesJSON),
			string(attributes),
			string(pricing),
			rec.Pricing.PriceFinal,
			rec.Pricing.Currency,
			nullInt64(rec.DuplicateOf),
			nullInt(rec.DuplicateDistance),
			formatTime(rec.CreatedAt),
		)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to insert scan record: %w", err)
	}

	rec.ID = id
	return id, nil
}

const recordColumns = `id, session_id, fingerprint, tile_fingerprint, image_path,
    candidate_json, candidates_json, attributes_json, pricing_json,
    duplicate_of, duplicate_distance, created_at`

// GetRecord loads one record by id
func (s *DB) GetRecord(ctx context.Context, id int64) (*models.ScanRecord, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+recordColumns+" FROM scan_records WHERE id = ?", id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrRecordNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load scan record %d: %w", id, err)
	}
	return rec, nil
}

// ListRecords returns records in insertion order
func (s *DB) ListRecords(ctx context.Context, filter RecordFilter) ([]*models.ScanRecord, error) {
	var (
		where []string
		args  []any
	)
	if filter.SessionID != nil {
		where = append(where, "session_id = ?")
		args = append(args, *filter.SessionID)
	}

	query := "SELECT " + recordColumns + " FROM scan_records"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list scan records: %w", err)
	}
	defer rows.Close()

	var records []*models.ScanRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Fingerprints returns the fingerprint of every stored record
func (s *DB) Fingerprints(ctx context.Context) ([]FingerprintRow, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, fingerprint, tile_fingerprint FROM scan_records ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list fingerprints: %w", err)
	}
	defer rows.Close()

	var out []FingerprintRow
	for rows.Next() {
		var r FingerprintRow
		if err := rows.Scan(&r.ID, &r.Hash, &r.Tiles); err != nil {
			return nil, fmt.Errorf("failed to scan fingerprint: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRecord(row rowScanner) (*models.ScanRecord, error) {
	var (
		rec               models.ScanRecord
		sessionID         sql.NullInt64
		candidate         string
		candidates        string
		attributes        string
		pricing           string
		duplicateOf       sql.NullInt64
		duplicateDistance sql.NullInt64
		createdAt         string
	)
	err := row.Scan(
		&rec.ID, &sessionID, &rec.Fingerprint, &rec.TileFingerprint, &rec.ImagePath,
		&candidate, &candidates, &attributes, &pricing,
		&duplicateOf, &duplicateDistance, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	if sessionID.Valid {
		v := sessionID.Int64
		rec.SessionID = &v
	}
	if duplicateOf.Valid {
		v := duplicateOf.Int64
		rec.DuplicateOf = &v
	}
	if duplicateDistance.Valid {
		v := int(duplicateDistance.Int64)
		rec.DuplicateDistance = &v
	}
	rec.CreatedAt = parseTime(createdAt)

	if err := json.Unmarshal([]byte(candidate), &rec.Candidate); err != nil {
		return nil, fmt.Errorf("decode candidate: %w", err)
	}
	if err := json.Unmarshal([]byte(candidates), &rec.Candidates); err != nil {
		return nil, fmt.Errorf("decode candidates: %w", err)
	}
	if err := json.Unmarshal([]byte(attributes), &rec.Attributes); err != nil {
		return nil, fmt.Errorf("decode attributes: %w", err)
	}
	if err := json.Unmarshal([]byte(pricing), &rec.Pricing); err != nil {
		return nil, fmt.Errorf("decode pricing: %w", err)
	}
	return &rec, nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
