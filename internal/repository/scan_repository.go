package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type scanRepository struct {
	db *DB
}

// NewScanRepository creates a SQL-backed scan repository
func NewScanRepository(db *DB) ScanRepository {
	return &scanRepository{db: db}
}

func (r *scanRepository) SaveScan(ctx context.Context, record *ScanRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	var fields sql.NullString
	if len(record.Fields) > 0 {
		raw, err := json.Marshal(record.Fields)
		if err != nil {
			return fmt.Errorf("failed to encode scan fields: %w", err)
		}
		fields = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := r.db.conn.ExecContext(ctx, r.db.rebind(`
		INSERT INTO scans (id, source, outcome, code, recognizer_name, initiated_by_user, fields, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		record.ID, record.Source, record.Outcome, record.Code, record.RecognizerName,
		record.InitiatedByUser, fields, record.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert scan: %w", err)
	}
	return nil
}

func (r *scanRepository) GetScan(ctx context.Context, id string) (*ScanRecord, error) {
	row := r.db.conn.QueryRowContext(ctx, r.db.rebind(`
		SELECT id, source, outcome, code, recognizer_name, initiated_by_user, fields, created_at
		FROM scans WHERE id = ?`), id)

	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrScanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scan: %w", err)
	}
	return record, nil
}

func (r *scanRepository) ListScans(ctx context.Context, limit int) ([]*ScanRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.conn.QueryContext(ctx, r.db.rebind(`
		SELECT id, source, outcome, code, recognizer_name, initiated_by_user, fields, created_at
		FROM scans ORDER BY created_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list scans: %w", err)
	}
	defer rows.Close()

	var records []*ScanRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to read scan: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*ScanRecord, error) {
	var (
		record         ScanRecord
		code, name, fs sql.NullString
	)
	if err := row.Scan(&record.ID, &record.Source, &record.Outcome, &code, &name,
		&record.InitiatedByUser, &fs, &record.CreatedAt); err != nil {
		return nil, err
	}
	record.Code = code.String
	record.RecognizerName = name.String
	if fs.Valid && fs.String != "" {
		if err := json.Unmarshal([]byte(fs.String), &record.Fields); err != nil {
			return nil, fmt.Errorf("failed to decode scan fields: %w", err)
		}
	}
	return &record, nil
}
