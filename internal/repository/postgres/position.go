package postgres

import (
	"context"
	"database/sql"
	"time"

	"fleetsync/pkg/domain"
	"fleetsync/pkg/errors"

	"github.com/jmoiron/sqlx"
)

type positionRow struct {
	VesselID   string    `db:"vessel_id"`
	Latitude   float64   `db:"latitude"`
	Longitude  float64   `db:"longitude"`
	Speed      *float64  `db:"speed"`
	Heading    *float64  `db:"heading"`
	ReportedAt time.Time `db:"reported_at"`
}

func (p positionRow) sample() domain.PositionSample {
	return domain.PositionSample{
		VesselID:  p.VesselID,
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		Speed:     p.Speed,
		Heading:   p.Heading,
		Timestamp: p.ReportedAt.UTC(),
	}
}

// PositionRepository keeps the last reported position of every vessel. It
// satisfies tracking.PositionStore.
type PositionRepository struct {
	db *sqlx.DB
}

func NewPositionRepository(db *sqlx.DB) *PositionRepository {
	return &PositionRepository{db: db}
}

func (r *PositionRepository) Save(ctx context.Context, sample domain.PositionSample) error {
	query := `
		INSERT INTO vessel_positions (vessel_id, latitude, longitude, speed, heading, reported_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (vessel_id) DO UPDATE SET
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			speed = EXCLUDED.speed,
			heading = EXCLUDED.heading,
			reported_at = EXCLUDED.reported_at
		WHERE vessel_positions.reported_at <= EXCLUDED.reported_at
	`
	_, err := r.db.ExecContext(ctx, query,
		sample.VesselID, sample.Latitude, sample.Longitude, sample.Speed, sample.Heading, sample.Timestamp,
	)
	if err != nil {
		return errors.Wrap(err, "failed to save position")
	}
	return nil
}

func (r *PositionRepository) Latest(ctx context.Context, vesselID string) (domain.PositionSample, error) {
	var row positionRow
	err := r.db.GetContext(ctx, &row, `SELECT * FROM vessel_positions WHERE vessel_id = $1`, vesselID)
	if err == sql.ErrNoRows {
		return domain.PositionSample{}, errors.ErrNoPosition
	}
	if err != nil {
		return domain.PositionSample{}, errors.Wrap(err, "failed to load position")
	}
	return row.sample(), nil
}

func (r *PositionRepository) All(ctx context.Context) ([]domain.PositionSample, error) {
	var rows []positionRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT * FROM vessel_positions ORDER BY vessel_id`); err != nil {
		return nil, errors.Wrap(err, "failed to list positions")
	}
	out := make([]domain.PositionSample, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.sample())
	}
	return out, nil
}
