package geo

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// upsertScript moves a driver only when the sample is not older than the
// sample timestamp already stored for it. Last-seen only ever moves forward.
var upsertScript = redis.NewScript(`
local cur = redis.call('ZSCORE', KEYS[3], ARGV[3])
if cur and tonumber(cur) > tonumber(ARGV[4]) then
  return 0
end
redis.call('GEOADD', KEYS[1], ARGV[1], ARGV[2], ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[3])
local seen = redis.call('ZSCORE', KEYS[2], ARGV[3])
if not seen or tonumber(seen) < tonumber(ARGV[4]) then
  redis.call('ZADD', KEYS[2], ARGV[4], ARGV[3])
end
return 1
`)

// RedisGeo implements Registry using Redis GEO commands. Positions live in a
// geo sorted set; last-seen times and position sample times (unix millis)
// live in two companion sorted sets.
type RedisGeo struct {
	client    redis.UniversalClient
	key       string
	seenKey   string
	tsKey     string
	opTimeout time.Duration
}

func NewRedisGeo(client redis.UniversalClient, key string, opTimeout time.Duration) *RedisGeo {
	if opTimeout <= 0 {
		opTimeout = 2 * time.Second
	}
	return &RedisGeo{client: client, key: key, seenKey: key + ":seen", tsKey: key + ":ts", opTimeout: opTimeout}
}

func (r *RedisGeo) Upsert(ctx context.Context, driverID string, loc models.Coord, at time.Time) error {
	if err := validate(loc); err != nil {
		return err
	}
	if at.IsZero() {
		at = time.Now()
	}
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	args := []interface{}{
		strconv.FormatFloat(loc.Lon, 'f', -1, 64),
		strconv.FormatFloat(loc.Lat, 'f', -1, 64),
		driverID,
		at.UnixMilli(),
	}
	moved, err := upsertScript.Run(ctx, r.client, []string{r.key, r.seenKey, r.tsKey}, args...).Int()
	if err != nil {
		return models.Transient("geo.upsert", err)
	}
	if moved == 0 {
		return ErrStaleSample
	}
	return nil
}

func (r *RedisGeo) Touch(ctx context.Context, driverID string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	err := r.client.ZAddArgs(ctx, r.seenKey, redis.ZAddArgs{
		XX:      true,
		GT:      true,
		Members: []redis.Z{{Score: float64(at.UnixMilli()), Member: driverID}},
	}).Err()
	if err != nil {
		return models.Transient("geo.touch", err)
	}
	return nil
}

func (r *RedisGeo) Position(ctx context.Context, driverID string) (models.Candidate, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	var pos *redis.GeoPosCmd
	var seen *redis.FloatCmd
	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		pos = p.GeoPos(ctx, r.key, driverID)
		seen = p.ZScore(ctx, r.seenKey, driverID)
		return nil
	})
	if err != nil && err != redis.Nil {
		return models.Candidate{}, false, models.Transient("geo.position", err)
	}
	ps := pos.Val()
	if len(ps) == 0 || ps[0] == nil {
		return models.Candidate{}, false, nil
	}
	c := models.Candidate{
		DriverID: driverID,
		Loc:      models.Coord{Lat: ps[0].Latitude, Lon: ps[0].Longitude},
	}
	if ms := seen.Val(); ms > 0 {
		c.LastSeen = time.UnixMilli(int64(ms))
	}
	return c, true, nil
}

func (r *RedisGeo) QueryRadius(ctx context.Context, center models.Coord, radiusKm float64) ([]models.Candidate, error) {
	if err := validate(center); err != nil {
		return nil, err
	}
	if radiusKm <= 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	res, err := r.client.GeoRadius(ctx, r.key, center.Lon, center.Lat, &redis.GeoRadiusQuery{
		Radius:    radiusKm,
		Unit:      "km",
		WithCoord: true,
		WithDist:  true,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, models.Transient("geo.query", err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	names := make([]string, len(res))
	for i, g := range res {
		names[i] = g.Name
	}
	scores, err := r.client.ZMScore(ctx, r.seenKey, names...).Result()
	if err != nil {
		return nil, models.Transient("geo.query", err)
	}

	// Redis uses a slightly different earth radius; recompute so every
	// backend agrees on what "within radius" means.
	radius := radiusKm * 1000
	out := make([]models.Candidate, 0, len(res))
	for i, g := range res {
		loc := models.Coord{Lat: g.Latitude, Lon: g.Longitude}
		d := Distance(center, loc)
		if d > radius {
			continue
		}
		c := models.Candidate{DriverID: g.Name, Loc: loc, DistanceMeters: d}
		if i < len(scores) && scores[i] > 0 {
			c.LastSeen = time.UnixMilli(int64(scores[i]))
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DistanceMeters < out[j].DistanceMeters })
	return out, nil
}

func (r *RedisGeo) Remove(ctx context.Context, driverID string) error {
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, r.key, driverID)
		p.ZRem(ctx, r.seenKey, driverID)
		p.ZRem(ctx, r.tsKey, driverID)
		return nil
	})
	if err != nil {
		return models.Transient("geo.remove", err)
	}
	return nil
}

func (r *RedisGeo) PruneStale(ctx context.Context, before time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	ids, err := r.client.ZRangeByScore(ctx, r.seenKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, models.Transient("geo.prune", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, r.key, members...)
		p.ZRem(ctx, r.seenKey, members...)
		p.ZRem(ctx, r.tsKey, members...)
		return nil
	})
	if err != nil {
		return 0, models.Transient("geo.prune", err)
	}
	return len(ids), nil
}

// Ping checks connectivity for readiness probes.
func (r *RedisGeo) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	return r.client.Ping(ctx).Err()
}
