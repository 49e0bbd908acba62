// Package repository provides the Postgres durability layer behind the
// in-memory store, the rule engine and the event log.
package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/savegress/gridsense/internal/timeseries"
)

// ReadingStore persists time-series records.
type ReadingStore interface {
	InsertBatch(ctx context.Context, records []timeseries.Record) error
	QueryRange(ctx context.Context, deviceID, metric string, from, to time.Time) ([]timeseries.Record, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

var _ ReadingStore = (*ReadingRepository)(nil)

// ReadingRepository is the pgx-backed ReadingStore.
type ReadingRepository struct {
	db *pgxpool.Pool
}

// NewReadingRepository creates a reading repository.
func NewReadingRepository(db *pgxpool.Pool) *ReadingRepository {
	return &ReadingRepository{db: db}
}

// InsertBatch writes a batch of records, ignoring exact duplicates so a
// write-behind flush can safely overlap a previous one.
func (r *ReadingRepository) InsertBatch(ctx context.Context, records []timeseries.Record) error {
	if len(records) == 0 {
		return nil
	}

	query := `
		INSERT INTO readings (device_id, metric, value, tags, ts)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (device_id, metric, ts) DO NOTHING`

	batch := &pgx.Batch{}
	for _, rec := range records {
		batch.Queue(query, rec.DeviceID, rec.Metric, rec.Value, rec.Tags, rec.Timestamp)
	}

	br := r.db.SendBatch(ctx, batch)
	defer br.Close()

	for range records {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch insert readings: %w", err)
		}
	}
	return nil
}

// QueryRange returns the records for one device and metric inside
// [from, to], oldest first.
func (r *ReadingRepository) QueryRange(ctx context.Context, deviceID, metric string, from, to time.Time) ([]timeseries.Record, error) {
	query := `
		SELECT device_id, metric, value, tags, ts
		FROM readings
		WHERE device_id = $1 AND metric = $2 AND ts >= $3 AND ts <= $4
		ORDER BY ts`

	rows, err := r.db.Query(ctx, query, deviceID, metric, from, to)
	if err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}
	defer rows.Close()

	var out []timeseries.Record
	for rows.Next() {
		var rec timeseries.Record
		if err := rows.Scan(&rec.DeviceID, &rec.Metric, &rec.Value, &rec.Tags, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate readings: %w", err)
	}
	return out, nil
}

// DeleteBefore removes records older than the cutoff, mirroring the
// in-memory retention pass.
func (r *ReadingRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM readings WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old readings: %w", err)
	}
	return tag.RowsAffected(), nil
}
