// README: Availability store backed by Redis GEO sets, one per vehicle category.
package availability

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"towhub/internal/types"
)

const (
	categoryGeoKeyPrefix      = "availability:drivers:%s"
	driverCategoriesKeyPrefix = "availability:driver:%s:categories"
)

type Store interface {
	Upsert(ctx context.Context, d Driver) error
	Remove(ctx context.Context, id types.ID) error
	// Nearby returns drivers of category within radiusKm of p, nearest first.
	Nearby(ctx context.Context, category string, p types.Point, radiusKm float64, limit int) ([]Candidate, error)
}

type RedisStore struct {
	redis *redis.Client
}

func NewRedisStore(redis *redis.Client) *RedisStore {
	return &RedisStore{redis: redis}
}

// maxWatchRetries bounds how often a category rewrite is retried when another
// update for the same driver lands between WATCH and EXEC.
const maxWatchRetries = 10

var errCategoriesContended = errors.New("driver categories changed concurrently")

// Upsert replaces the driver's position and category set. The previous set is
// read under WATCH so concurrent updates for one driver cannot leave it in a
// GEO set it no longer belongs to.
func (s *RedisStore) Upsert(ctx context.Context, d Driver) error {
	return s.rewrite(ctx, d.ID, func(pipe redis.Pipeliner, previous []string) {
		keep := make(map[string]bool, len(d.Categories))
		for _, c := range d.Categories {
			keep[c] = true
		}
		for _, c := range previous {
			if !keep[c] {
				pipe.ZRem(ctx, categoryGeoKey(c), string(d.ID))
			}
		}
		members := make([]interface{}, 0, len(d.Categories))
		for _, c := range d.Categories {
			pipe.GeoAdd(ctx, categoryGeoKey(c), &redis.GeoLocation{
				Name:      string(d.ID),
				Longitude: d.Position.Lng,
				Latitude:  d.Position.Lat,
			})
			members = append(members, c)
		}
		pipe.Del(ctx, driverCategoriesKey(d.ID))
		if len(members) > 0 {
			pipe.SAdd(ctx, driverCategoriesKey(d.ID), members...)
		}
	})
}

func (s *RedisStore) Remove(ctx context.Context, id types.ID) error {
	return s.rewrite(ctx, id, func(pipe redis.Pipeliner, previous []string) {
		for _, c := range previous {
			pipe.ZRem(ctx, categoryGeoKey(c), string(id))
		}
		pipe.Del(ctx, driverCategoriesKey(id))
	})
}

// rewrite watches the driver's category set, hands its current members to
// queue and commits the queued commands in one MULTI/EXEC.
func (s *RedisStore) rewrite(ctx context.Context, id types.ID, queue func(pipe redis.Pipeliner, previous []string)) error {
	key := driverCategoriesKey(id)
	txf := func(tx *redis.Tx) error {
		previous, err := tx.SMembers(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("load driver categories: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			queue(pipe, previous)
			return nil
		})
		return err
	}
	for i := 0; i < maxWatchRetries; i++ {
		err := s.redis.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("driver %s after %d attempts: %w", id, maxWatchRetries, errCategoriesContended)
}

func (s *RedisStore) Nearby(ctx context.Context, category string, p types.Point, radiusKm float64, limit int) ([]Candidate, error) {
	results, err := s.redis.GeoSearchLocation(ctx, categoryGeoKey(category), &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  p.Lng,
			Latitude:   p.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      limit,
		},
		WithDist: true,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, len(results))
	for i, r := range results {
		out[i] = Candidate{DriverID: types.ID(r.Name), DistanceKm: r.Dist}
	}
	return out, nil
}

func categoryGeoKey(category string) string {
	return fmt.Sprintf(categoryGeoKeyPrefix, category)
}

func driverCategoriesKey(id types.ID) string {
	return fmt.Sprintf(driverCategoriesKeyPrefix, string(id))
}
