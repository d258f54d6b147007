package proximity

import (
	"context"
	"fmt"
	"time"

	"fleetsync/pkg/domain"
	kerrors "fleetsync/pkg/errors"
	"fleetsync/pkg/logger"
	"fleetsync/pkg/metrics"
	"fleetsync/pkg/validator"
)

// Source supplies the last known sample of every vessel.
type Source interface {
	All(ctx context.Context) ([]domain.PositionSample, error)
}

// Engine runs validated queries against a Source.
type Engine struct {
	source    Source
	validator *validator.Validator
	logger    logger.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewEngine(source Source, v *validator.Validator, log logger.Logger, m *metrics.Metrics) *Engine {
	if v == nil {
		v = validator.New()
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Engine{
		source:    source,
		validator: v,
		logger:    log.With(map[string]interface{}{"component": "proximity"}),
		metrics:   m,
		now:       time.Now,
	}
}

// Nearby returns the vessels matching q, nearest first.
func (e *Engine) Nearby(ctx context.Context, q Query) ([]Nearby, error) {
	if err := e.validator.Validate(q); err != nil {
		return nil, fmt.Errorf("%w: %v", kerrors.ErrInvalidPosition, err)
	}

	samples, err := e.source.All(ctx)
	if err != nil {
		return nil, kerrors.Wrap(err, "load candidate positions")
	}

	start := time.Now()
	result := FindNearby(q, FromSamples(samples), e.now())
	SortByDistance(result)
	e.metrics.ObserveProximity(time.Since(start))

	e.logger.Debug("Proximity query", map[string]interface{}{
		"candidates": len(samples),
		"matches":    len(result),
		"radius_km":  q.RadiusKm,
	})
	return result, nil
}
