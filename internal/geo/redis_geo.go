package geo

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/towing-dispatch/internal/models"
)

const DefaultGeoKey = "mechanics_geo"

// RedisGeo implements Directory using Redis GEO commands plus one metadata
// hash per mechanic.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(client *redis.Client, key string) *RedisGeo {
	if key == "" {
		key = DefaultGeoKey
	}
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, m models.Mechanic) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: m.Loc.Lon, Latitude: m.Loc.Lat, Name: m.ID}).Err(); err != nil {
		return fmt.Errorf("geoadd %s: %w", m.ID, err)
	}
	if err := r.client.HSet(ctx, MetaKey(m.ID), MetaFields(m)).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", m.ID, err)
	}
	return nil
}

func (r *RedisGeo) Get(ctx context.Context, id string) (models.Mechanic, error) {
	pos, err := r.client.GeoPos(ctx, r.key, id).Result()
	if err != nil {
		return models.Mechanic{}, fmt.Errorf("geopos %s: %w", id, err)
	}
	if len(pos) == 0 || pos[0] == nil {
		return models.Mechanic{}, models.ErrUnknownMechanic
	}
	meta, err := r.client.HGetAll(ctx, MetaKey(id)).Result()
	if err != nil {
		return models.Mechanic{}, fmt.Errorf("hgetall %s: %w", id, err)
	}
	m := DecodeMeta(id, meta)
	m.Loc = models.Coord{Lat: pos[0].Latitude, Lon: pos[0].Longitude}
	return m, nil
}

func (r *RedisGeo) Nearby(ctx context.Context, lat, lon, radiusKm float64) ([]models.Mechanic, error) {
	res, err := r.client.GeoRadius(ctx, r.key, lon, lat, &redis.GeoRadiusQuery{Radius: radiusKm, Unit: "km", WithCoord: true, WithDist: true, Sort: "ASC"}).Result()
	if err != nil {
		return nil, fmt.Errorf("georadius: %w", err)
	}
	metas := make([]*redis.MapStringStringCmd, len(res))
	_, err = r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, g := range res {
			metas[i] = p.HGetAll(ctx, MetaKey(g.Name))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mechanic meta: %w", err)
	}
	out := make([]models.Mechanic, 0, len(res))
	for i, g := range res {
		m := DecodeMeta(g.Name, metas[i].Val())
		m.Loc = models.Coord{Lat: g.Latitude, Lon: g.Longitude}
		out = append(out, m)
	}
	return out, nil
}

func MetaKey(id string) string { return "mechanic:meta:" + id }

// MetaFields is the hash layout shared with the location consumer.
func MetaFields(m models.Mechanic) map[string]interface{} {
	updated := m.Updated
	if updated.IsZero() {
		updated = time.Now()
	}
	return map[string]interface{}{
		"name":       m.Name,
		"phone":      m.Phone,
		"push_token": m.PushToken,
		"available":  strconv.FormatBool(m.Available),
		"services":   strings.Join(m.Services, ","),
		"updated":    updated.UTC().Format(time.RFC3339),
	}
}

func DecodeMeta(id string, meta map[string]string) models.Mechanic {
	m := models.Mechanic{
		ID:        id,
		Name:      meta["name"],
		Phone:     meta["phone"],
		PushToken: meta["push_token"],
		Available: meta["available"] == "true",
	}
	if s := meta["services"]; s != "" {
		m.Services = strings.Split(s, ",")
	}
	if t, err := time.Parse(time.RFC3339, meta["updated"]); err == nil {
		m.Updated = t
	}
	return m
}
