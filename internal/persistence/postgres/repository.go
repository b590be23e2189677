// Package postgres provides Postgres-backed persistence for accounts,
// history, catalog presets, and outbox events.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/rewardledger/internal/domain"
	"example.com/rewardledger/internal/events"
	"example.com/rewardledger/internal/observability"
)

// LedgerEventsTopic is the Kafka topic outbox rows are routed to.
const LedgerEventsTopic = "ledger_events"

// Repository implements the domain store interfaces on a pgx pool.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetAccount fetches a user's balance document. Missing accounts return nil.
func (r *Repository) GetAccount(ctx context.Context, userID string) (*domain.UserAccount, error) {
	const query = `SELECT user_id, current_total, email, display_name, created_at
        FROM users WHERE user_id=$1`

	row := r.pool.QueryRow(ctx, query, userID)
	var account domain.UserAccount
	if err := row.Scan(&account.UserID, &account.CurrentTotal, &account.Email, &account.DisplayName, &account.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

// CreateAccount initializes a user document. Creation races are benign: the
// first writer wins and the balance starts at zero either way.
func (r *Repository) CreateAccount(ctx context.Context, account domain.UserAccount) error {
	const stmt = `INSERT INTO users (user_id, current_total, email, display_name, created_at)
        VALUES ($1,$2,$3,$4,$5)
        ON CONFLICT (user_id) DO NOTHING`

	_, err := r.pool.Exec(ctx, stmt,
		account.UserID,
		account.CurrentTotal,
		account.Email,
		account.DisplayName,
		account.CreatedAt,
	)
	return err
}

// UpdateTotal persists the running balance. Upsert keeps the write valid even
// when the account row was never initialized because an earlier load failed.
func (r *Repository) UpdateTotal(ctx context.Context, userID string, total int64) error {
	const stmt = `INSERT INTO users (user_id, current_total, email, display_name, created_at)
        VALUES ($1,$2,'','',now())
        ON CONFLICT (user_id) DO UPDATE SET current_total=EXCLUDED.current_total`

	if _, err := r.pool.Exec(ctx, stmt, userID, total); err != nil {
		return err
	}
	observability.RecordBalancePersisted(time.Now().UTC())
	return nil
}

// AppendRecord writes the history record and its outbox event inside a single
// transaction, so downstream consumers see exactly the audited changes.
func (r *Repository) AppendRecord(ctx context.Context, record domain.HistoryRecord) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	const insertHistory = `INSERT INTO history (record_id, user_id, points_added, header_total, memo, recorded_at)
        VALUES ($1,$2,$3,$4,$5,$6)`

	_, err = tx.Exec(ctx, insertHistory,
		record.RecordID,
		record.UserID,
		record.PointsAdded,
		record.HeaderTotal,
		record.Memo,
		record.RecordedAt,
	)
	if err != nil {
		return err
	}

	if err = insertOutbox(ctx, tx, record); err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return err
	}
	observability.RecordHistoryAppended(record.RecordedAt)
	return nil
}

func insertOutbox(ctx context.Context, tx pgx.Tx, record domain.HistoryRecord) error {
	payload, err := json.Marshal(events.LedgerEntryRecorded{
		RecordID:    record.RecordID,
		UserID:      record.UserID,
		PointsAdded: record.PointsAdded,
		HeaderTotal: record.HeaderTotal,
		Memo:        record.Memo,
		RecordedAt:  record.RecordedAt,
	})
	if err != nil {
		return err
	}

	const stmt = `INSERT INTO outbox (user_id, event_type, topic, partition_key, payload)
        VALUES ($1,$2,$3,$4,$5)`

	_, err = tx.Exec(ctx, stmt,
		record.UserID,
		events.TypeEntryRecorded,
		LedgerEventsTopic,
		record.UserID,
		payload,
	)
	return err
}

// ListRecords returns a page of history for a user, newest first.
func (r *Repository) ListRecords(ctx context.Context, userID string, cursor *domain.Cursor, limit int) ([]domain.HistoryRecord, *domain.Cursor, error) {
	args := []interface{}{userID, limit}
	query := `SELECT record_id, user_id, points_added, header_total, memo, recorded_at
        FROM history WHERE user_id=$1`

	if cursor != nil {
		query += ` AND (recorded_at, record_id) < ($3, $4)`
		args = append(args, cursor.RecordedAt, cursor.ID)
	}

	query += ` ORDER BY recorded_at DESC, record_id DESC LIMIT $2`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	results := make([]domain.HistoryRecord, 0, limit)
	for rows.Next() {
		var record domain.HistoryRecord
		if err := rows.Scan(&record.RecordID, &record.UserID, &record.PointsAdded, &record.HeaderTotal, &record.Memo, &record.RecordedAt); err != nil {
			return nil, nil, err
		}
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var next *domain.Cursor
	if len(results) == limit {
		last := results[len(results)-1]
		next = &domain.Cursor{RecordedAt: last.RecordedAt, ID: last.RecordID}
	}
	return results, next, nil
}

// ListSince returns all history at or after the cutoff, newest first. This is
// the feed backfill query; the cutoff is fixed at subscription time.
func (r *Repository) ListSince(ctx context.Context, userID string, cutoff time.Time) ([]domain.HistoryRecord, error) {
	const query = `SELECT record_id, user_id, points_added, header_total, memo, recorded_at
        FROM history WHERE user_id=$1 AND recorded_at >= $2
        ORDER BY recorded_at DESC, record_id DESC`

	rows, err := r.pool.Query(ctx, query, userID, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.HistoryRecord
	for rows.Next() {
		var record domain.HistoryRecord
		if err := rows.Scan(&record.RecordID, &record.UserID, &record.PointsAdded, &record.HeaderTotal, &record.Memo, &record.RecordedAt); err != nil {
			return nil, err
		}
		results = append(results, record)
	}
	return results, rows.Err()
}

// GetActivity fetches an earn preset by ID. Missing presets return nil.
func (r *Repository) GetActivity(ctx context.Context, presetID string) (*domain.ActivityPreset, error) {
	const query = `SELECT preset_id, name, unit, point_value, points_by_unit, intensity_modifier, outdoors, tags, times_used, last_used
        FROM activities WHERE preset_id=$1`

	preset, err := scanActivity(r.pool.QueryRow(ctx, query, presetID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return preset, nil
}

// GetReward fetches a redeem preset by ID. Missing presets return nil.
func (r *Repository) GetReward(ctx context.Context, presetID string) (*domain.RewardPreset, error) {
	const query = `SELECT preset_id, name, point_value, tags, times_used, last_used
        FROM rewards WHERE preset_id=$1`

	preset, err := scanReward(r.pool.QueryRow(ctx, query, presetID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return preset, nil
}

// ListActivities returns the full earn catalog.
func (r *Repository) ListActivities(ctx context.Context) ([]domain.ActivityPreset, error) {
	const query = `SELECT preset_id, name, unit, point_value, points_by_unit, intensity_modifier, outdoors, tags, times_used, last_used
        FROM activities ORDER BY name`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.ActivityPreset
	for rows.Next() {
		preset, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *preset)
	}
	return results, rows.Err()
}

// ListRewards returns the full redeem catalog.
func (r *Repository) ListRewards(ctx context.Context) ([]domain.RewardPreset, error) {
	const query = `SELECT preset_id, name, point_value, tags, times_used, last_used
        FROM rewards ORDER BY point_value`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.RewardPreset
	for rows.Next() {
		preset, err := scanReward(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *preset)
	}
	return results, rows.Err()
}

// RecordActivityUse bumps the usage counters on a claimed earn preset.
func (r *Repository) RecordActivityUse(ctx context.Context, presetID string, usedAt time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE activities SET times_used=times_used+1, last_used=$2 WHERE preset_id=$1`,
		presetID, usedAt)
	return err
}

// RecordRewardUse bumps the usage counters on a redeemed preset.
func (r *Repository) RecordRewardUse(ctx context.Context, presetID string, usedAt time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE rewards SET times_used=times_used+1, last_used=$2 WHERE preset_id=$1`,
		presetID, usedAt)
	return err
}

// UpsertActivity writes a catalog preset; used by the seeder.
func (r *Repository) UpsertActivity(ctx context.Context, preset domain.ActivityPreset) error {
	pointsByUnit, err := json.Marshal(preset.PointsByUnit)
	if err != nil {
		return err
	}
	intensity, err := json.Marshal(preset.IntensityModifier)
	if err != nil {
		return err
	}
	tags, err := json.Marshal(preset.Tags)
	if err != nil {
		return err
	}

	const stmt = `INSERT INTO activities (preset_id, name, unit, point_value, points_by_unit, intensity_modifier, outdoors, tags, times_used)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,0)
        ON CONFLICT (preset_id) DO UPDATE SET
            name=EXCLUDED.name, unit=EXCLUDED.unit, point_value=EXCLUDED.point_value,
            points_by_unit=EXCLUDED.points_by_unit, intensity_modifier=EXCLUDED.intensity_modifier,
            outdoors=EXCLUDED.outdoors, tags=EXCLUDED.tags`

	_, err = r.pool.Exec(ctx, stmt,
		preset.ID, preset.Name, preset.Unit, preset.PointValue,
		pointsByUnit, intensity, preset.Outdoors, tags)
	return err
}

// UpsertReward writes a redeem preset; used by the seeder.
func (r *Repository) UpsertReward(ctx context.Context, preset domain.RewardPreset) error {
	tags, err := json.Marshal(preset.Tags)
	if err != nil {
		return err
	}

	const stmt = `INSERT INTO rewards (preset_id, name, point_value, tags, times_used)
        VALUES ($1,$2,$3,$4,0)
        ON CONFLICT (preset_id) DO UPDATE SET
            name=EXCLUDED.name, point_value=EXCLUDED.point_value, tags=EXCLUDED.tags`

	_, err = r.pool.Exec(ctx, stmt, preset.ID, preset.Name, preset.PointValue, tags)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanActivity(row rowScanner) (*domain.ActivityPreset, error) {
	var (
		preset       domain.ActivityPreset
		pointsByUnit []byte
		intensity    []byte
		tags         []byte
	)
	if err := row.Scan(&preset.ID, &preset.Name, &preset.Unit, &preset.PointValue,
		&pointsByUnit, &intensity, &preset.Outdoors, &tags, &preset.TimesUsed, &preset.LastUsed); err != nil {
		return nil, err
	}
	if err := unmarshalJSONB(pointsByUnit, &preset.PointsByUnit); err != nil {
		return nil, fmt.Errorf("decode points_by_unit: %w", err)
	}
	if err := unmarshalJSONB(intensity, &preset.IntensityModifier); err != nil {
		return nil, fmt.Errorf("decode intensity_modifier: %w", err)
	}
	if err := unmarshalJSONB(tags, &preset.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	return &preset, nil
}

func scanReward(row rowScanner) (*domain.RewardPreset, error) {
	var (
		preset domain.RewardPreset
		tags   []byte
	)
	if err := row.Scan(&preset.ID, &preset.Name, &preset.PointValue, &tags, &preset.TimesUsed, &preset.LastUsed); err != nil {
		return nil, err
	}
	if err := unmarshalJSONB(tags, &preset.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	return &preset, nil
}

func unmarshalJSONB(raw []byte, target interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, target)
}
