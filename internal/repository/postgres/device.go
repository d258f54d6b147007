package postgres

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"fleetsync/pkg/domain"
	"fleetsync/pkg/errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const deviceColumns = `
	id, vessel_id, state, activation_token_hash, auth_token_hash,
	activated_at, retired_at, expires_at, created_at, updated_at`

// uniqueViolation is the Postgres error code raised by the per-vessel slot
// indexes.
const uniqueViolation = "23505"

type DeviceRepository struct {
	db *sqlx.DB
}

func NewDeviceRepository(db *sqlx.DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

func (r *DeviceRepository) Create(ctx context.Context, rec *domain.DeviceRecord) error {
	query := `
		INSERT INTO devices (` + deviceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.ExecContext(ctx, query,
		rec.ID, rec.VesselID, rec.State, rec.ActivationTokenHash, rec.AuthTokenHash,
		rec.ActivatedAt, rec.RetiredAt, rec.ExpiresAt, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(translate(err), "failed to create device")
	}
	return nil
}

func (r *DeviceRepository) FindByID(ctx context.Context, id string) (*domain.DeviceRecord, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE id = $1`

	var rec domain.DeviceRecord
	err := r.db.GetContext(ctx, &rec, query, id)
	if err == sql.ErrNoRows {
		return nil, errors.ErrDeviceNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find device")
	}
	return &rec, nil
}

func (r *DeviceRepository) ListByVessel(ctx context.Context, vesselID string) ([]*domain.DeviceRecord, error) {
	query := `
		SELECT ` + deviceColumns + `
		FROM devices
		WHERE vessel_id = $1
		ORDER BY created_at, id
	`

	var recs []*domain.DeviceRecord
	if err := r.db.SelectContext(ctx, &recs, query, vesselID); err != nil {
		return nil, errors.Wrap(err, "failed to list devices")
	}
	return recs, nil
}

func (r *DeviceRepository) Update(ctx context.Context, rec *domain.DeviceRecord) error {
	query := `
		UPDATE devices SET
			state = $2,
			activation_token_hash = $3,
			auth_token_hash = $4,
			activated_at = $5,
			retired_at = $6,
			expires_at = $7,
			updated_at = $8
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query,
		rec.ID, rec.State, rec.ActivationTokenHash, rec.AuthTokenHash,
		rec.ActivatedAt, rec.RetiredAt, rec.ExpiresAt, rec.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(translate(err), "failed to update device")
	}
	return expectOne(res)
}

func (r *DeviceRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM devices WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete device")
	}
	return expectOne(res)
}

func (r *DeviceRepository) ListExpiredPending(ctx context.Context, t time.Time) ([]*domain.DeviceRecord, error) {
	query := `
		SELECT ` + deviceColumns + `
		FROM devices
		WHERE state = 'pending' AND expires_at < $1
		ORDER BY expires_at
	`

	var recs []*domain.DeviceRecord
	if err := r.db.SelectContext(ctx, &recs, query, t); err != nil {
		return nil, errors.Wrap(err, "failed to list expired devices")
	}
	return recs, nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.ErrDeviceNotFound
	}
	return nil
}

func translate(err error) error {
	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return errors.ErrDeviceSlotTaken
	}
	return err
}
