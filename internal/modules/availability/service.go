// README: Availability service; drivers go online/offline and request fan-out asks who is near.
package availability

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"towhub/internal/types"
)

var (
	ErrMissingDriver   = errors.New("driver id is required")
	ErrInvalidPosition = errors.New("invalid position")
	ErrNoCategories    = errors.New("at least one vehicle category is required")
)

type Service struct {
	store     Store
	radiusKm  float64
	maxFanout int
	log       zerolog.Logger
	now       func() time.Time
}

func NewService(store Store, radiusKm float64, maxFanout int, log zerolog.Logger) *Service {
	if radiusKm <= 0 {
		radiusKm = 15
	}
	if maxFanout <= 0 {
		maxFanout = 50
	}
	return &Service{
		store:     store,
		radiusKm:  radiusKm,
		maxFanout: maxFanout,
		log:       log.With().Str("component", "availability").Logger(),
		now:       time.Now,
	}
}

func (s *Service) SetOnline(ctx context.Context, driverID types.ID, position types.Point, categories []string) error {
	if driverID == "" {
		return ErrMissingDriver
	}
	if !position.Valid() {
		return ErrInvalidPosition
	}
	cats := normalizeCategories(categories)
	if len(cats) == 0 {
		return ErrNoCategories
	}
	if err := s.store.Upsert(ctx, Driver{ID: driverID, Position: position, Categories: cats, UpdatedAt: s.now()}); err != nil {
		return fmt.Errorf("set driver online: %w", err)
	}
	s.log.Debug().Str("driver_id", driverID.String()).Strs("categories", cats).Msg("driver online")
	return nil
}

func (s *Service) SetOffline(ctx context.Context, driverID types.ID) error {
	if driverID == "" {
		return ErrMissingDriver
	}
	if err := s.store.Remove(ctx, driverID); err != nil {
		return fmt.Errorf("set driver offline: %w", err)
	}
	s.log.Debug().Str("driver_id", driverID.String()).Msg("driver offline")
	return nil
}

// EligibleDrivers returns up to maxFanout distinct drivers able to tow category
// within the configured radius of origin, nearest first.
func (s *Service) EligibleDrivers(ctx context.Context, origin types.Point, category string) ([]types.ID, error) {
	if !origin.Valid() {
		return nil, ErrInvalidPosition
	}
	category = strings.ToLower(strings.TrimSpace(category))
	candidates, err := s.store.Nearby(ctx, category, origin, s.radiusKm, s.maxFanout)
	if err != nil {
		return nil, fmt.Errorf("nearby drivers: %w", err)
	}
	seen := make(map[types.ID]bool, len(candidates))
	out := make([]types.ID, 0, len(candidates))
	for _, c := range candidates {
		if c.DriverID == "" || seen[c.DriverID] {
			continue
		}
		seen[c.DriverID] = true
		out = append(out, c.DriverID)
		if len(out) == s.maxFanout {
			break
		}
	}
	return out, nil
}
