package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/example/order-dispatch/internal/models"
	"github.com/redis/go-redis/v9"
)

// RedisGeo implements Geo using Redis GEO commands plus a metadata
// hash per driver. The hash is maintained by the ingest consumer.
type RedisGeo struct {
	client *redis.Client
	key    string
	ctx    context.Context
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key, ctx: context.Background()}
}

func (r *RedisGeo) Upsert(d models.Driver) {
	_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.ID}).Result()
	_ = r.client.HSet(r.ctx, metaKey(d.ID), driverMeta(d)).Err()
}

func (r *RedisGeo) Remove(driverID string) {
	_, _ = r.client.ZRem(r.ctx, r.key, driverID).Result()
	_ = r.client.Del(r.ctx, metaKey(driverID)).Err()
}

func (r *RedisGeo) Nearby(lat, lon, radiusKm float64, limit int) []models.Driver {
	res, err := r.client.GeoRadius(r.ctx, r.key, lon, lat, &redis.GeoRadiusQuery{Radius: radiusKm, Unit: "km", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC"}).Result()
	if err != nil {
		return nil
	}
	out := make([]models.Driver, 0, len(res))
	for _, g := range res {
		d := models.Driver{ID: g.Name}
		d.Loc.Lat = g.Latitude
		d.Loc.Lon = g.Longitude
		if m, err := r.client.HGetAll(r.ctx, metaKey(g.Name)).Result(); err == nil {
			hydrateMeta(&d, m)
		}
		out = append(out, d)
	}
	return out
}

func driverMeta(d models.Driver) map[string]interface{} {
	return map[string]interface{}{
		"rating":       fmt.Sprintf("%f", d.Rating),
		"vehicle_type": d.VehicleType,
		"online":       strconv.FormatBool(d.Online),
		"available":    strconv.FormatBool(d.Available),
		"verified":     strconv.FormatBool(d.Verified),
		"active":       strconv.FormatBool(d.Active),
		"updated":      time.Now().Format(time.RFC3339),
	}
}

func hydrateMeta(d *models.Driver, m map[string]string) {
	if v, ok := m["rating"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			d.Rating = f
		}
	}
	d.VehicleType = m["vehicle_type"]
	d.Online = m["online"] == "true"
	d.Available = m["available"] == "true"
	d.Verified = m["verified"] == "true"
	d.Active = m["active"] == "true"
	if v, ok := m["updated"]; ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			d.Updated = t
		}
	}
}

func metaKey(id string) string { return "driver:meta:" + id }
