package registry

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/instant-dispatch/internal/models"
	"github.com/example/instant-dispatch/internal/ranking"
)

// Redis implements Registry on Redis GEO commands plus a metadata hash per
// worker. Staleness is enforced at query time from the stored heartbeat stamp,
// so no sweep process is needed for this backend.
type Redis struct {
	client    *redis.Client
	key       string
	ctx       context.Context
	staleness time.Duration
	ranking   ranking.Source

	hookMu    sync.RWMutex
	onOffline func(workerID string)
}

func NewRedis(addr, password, key string, staleness time.Duration, rank ranking.Source) *Redis {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	if rank == nil {
		rank = ranking.NewStatic()
	}
	return &Redis{client: c, key: key, ctx: context.Background(), staleness: staleness, ranking: rank}
}

func (r *Redis) SetOnOffline(fn func(workerID string)) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.onOffline = fn
}

func metaKey(id string) string { return "worker:meta:" + id }

func (r *Redis) GoOnline(workerID string, loc models.Location, prefs models.Preferences) error {
	if _, err := r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{Longitude: loc.Lon, Latitude: loc.Lat, Name: workerID}).Result(); err != nil {
		return err
	}
	return r.client.HSet(r.ctx, metaKey(workerID), map[string]interface{}{
		"status":          string(models.WorkerAvailable),
		"max_distance_km": strconv.FormatFloat(prefs.MaxDistanceKm, 'f', -1, 64),
		"accepts_instant": strconv.FormatBool(prefs.AcceptsInstant),
		"categories":      strings.Join(prefs.Categories, ","),
		"last_heartbeat":  time.Now().Format(time.RFC3339Nano),
	}).Err()
}

func (r *Redis) Heartbeat(workerID string, loc models.Location) error {
	status, err := r.client.HGet(r.ctx, metaKey(workerID), "status").Result()
	if err == redis.Nil || status == string(models.WorkerOffline) {
		return ErrNotOnline
	}
	if err != nil {
		return err
	}
	if _, err := r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{Longitude: loc.Lon, Latitude: loc.Lat, Name: workerID}).Result(); err != nil {
		return err
	}
	return r.client.HSet(r.ctx, metaKey(workerID), "last_heartbeat", time.Now().Format(time.RFC3339Nano)).Err()
}

// GoOffline fires the offline hook only when the worker actually left a live
// status; a repeat call or an unknown worker is a no-op.
func (r *Redis) GoOffline(workerID string) error {
	prev, err := r.client.HGet(r.ctx, metaKey(workerID), "status").Result()
	if err == redis.Nil || prev == string(models.WorkerOffline) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := r.client.HSet(r.ctx, metaKey(workerID), "status", string(models.WorkerOffline)).Err(); err != nil {
		return err
	}
	r.hookMu.RLock()
	fn := r.onOffline
	r.hookMu.RUnlock()
	if fn != nil {
		fn(workerID)
	}
	return nil
}

func (r *Redis) MarkBusy(workerID string) error {
	return r.setStatus(workerID, models.WorkerBusy)
}

func (r *Redis) MarkAvailableAgain(workerID string) error {
	return r.setStatus(workerID, models.WorkerAvailable)
}

func (r *Redis) setStatus(workerID string, s models.WorkerStatus) error {
	n, err := r.client.Exists(r.ctx, metaKey(workerID)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotOnline
	}
	return r.client.HSet(r.ctx, metaKey(workerID), "status", string(s)).Err()
}

func (r *Redis) Get(workerID string) (models.Worker, bool) {
	m, err := r.client.HGetAll(r.ctx, metaKey(workerID)).Result()
	if err != nil || len(m) == 0 {
		return models.Worker{}, false
	}
	w := models.Worker{ID: workerID, Status: models.WorkerStatus(m["status"])}
	if v, ok := m["max_distance_km"]; ok {
		w.Prefs.MaxDistanceKm, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := m["accepts_instant"]; ok {
		w.Prefs.AcceptsInstant = v == "true"
	}
	if v, ok := m["categories"]; ok && v != "" {
		w.Prefs.Categories = strings.Split(v, ",")
	}
	if v, ok := m["last_heartbeat"]; ok {
		w.LastHeartbeat, _ = time.Parse(time.RFC3339Nano, v)
	}
	if pos, err := r.client.GeoPos(r.ctx, r.key, workerID).Result(); err == nil && len(pos) == 1 && pos[0] != nil {
		w.Loc.Lat = pos[0].Latitude
		w.Loc.Lon = pos[0].Longitude
	}
	return w, true
}

// searchRadiusKm bounds the GEOSEARCH; per-worker radii are filtered below.
const searchRadiusKm = 200

func (r *Redis) FindEligible(origin models.Coord, category string, excluding map[string]bool) []Candidate {
	res, err := r.client.GeoRadius(r.ctx, r.key, origin.Lon, origin.Lat, &redis.GeoRadiusQuery{
		Radius: searchRadiusKm, Unit: "km", WithCoord: true, WithDist: true, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil
	}
	now := time.Now()
	out := make([]Candidate, 0, len(res))
	for _, g := range res {
		if excluding[g.Name] {
			continue
		}
		m, err := r.client.HGetAll(r.ctx, metaKey(g.Name)).Result()
		if err != nil || len(m) == 0 {
			continue
		}
		if m["status"] != string(models.WorkerAvailable) || m["accepts_instant"] != "true" {
			continue
		}
		hb, err := time.Parse(time.RFC3339Nano, m["last_heartbeat"])
		if err != nil || now.Sub(hb) > r.staleness {
			continue
		}
		maxKm, _ := strconv.ParseFloat(m["max_distance_km"], 64)
		if g.Dist > maxKm {
			continue
		}
		if cats := m["categories"]; cats != "" && !contains(strings.Split(cats, ","), category) {
			continue
		}
		out = append(out, Candidate{
			WorkerID:   g.Name,
			Loc:        models.Coord{Lat: g.Latitude, Lon: g.Longitude},
			DistanceKm: g.Dist,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return r.ranking.Rating(out[i].WorkerID) > r.ranking.Rating(out[j].WorkerID)
	})
	return out
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
