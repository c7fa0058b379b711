package geo

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// ErrStaleSample is returned by Upsert when the sample is older than the
// position already stored for the driver. Nothing is changed.
var ErrStaleSample = errors.New("sample older than stored position")

// Registry is the spatial index of current driver positions. Implementations
// report backing-store failures as models.TransientError.
type Registry interface {
	// Upsert stores the driver's position. A sample older than the stored
	// position's own timestamp returns ErrStaleSample, so replayed buffers
	// can't move a driver backwards in time. Heartbeats don't count here.
	Upsert(ctx context.Context, driverID string, loc models.Coord, at time.Time) error
	// Touch refreshes the last-seen time of a known driver without moving it
	// or changing the timestamp Upsert compares against.
	Touch(ctx context.Context, driverID string, at time.Time) error
	Position(ctx context.Context, driverID string) (models.Candidate, bool, error)
	// QueryRadius returns drivers within radiusKm of center, nearest first.
	QueryRadius(ctx context.Context, center models.Coord, radiusKm float64) ([]models.Candidate, error)
	Remove(ctx context.Context, driverID string) error
	// PruneStale removes every driver last seen before the given time.
	PruneStale(ctx context.Context, before time.Time) (int, error)
}

const earthRadiusMeters = 6371000.0

var metersPerDegree = math.Pi * earthRadiusMeters / 180

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// Distance is Haversine over two coords.
func Distance(a, b models.Coord) float64 { return Haversine(a.Lat, a.Lon, b.Lat, b.Lon) }

func validate(loc models.Coord) error {
	if !loc.Valid() {
		return models.NewValidationError("location", "coordinates out of range (lat=%v lon=%v)", loc.Lat, loc.Lon)
	}
	return nil
}

type cellKey struct{ x, y int }

type entry struct {
	loc       models.Coord
	sampledAt time.Time
	lastSeen  time.Time
	cell      cellKey
}

// Index is an in-memory Registry. Drivers are bucketed into a fixed lat/lon
// grid so a radius query only visits the cells overlapping the query's
// bounding box.
type Index struct {
	mu      sync.RWMutex
	cellDeg float64
	nx, ny  int
	cells   map[cellKey]map[string]struct{}
	drivers map[string]*entry
}

// DefaultCellDegrees is roughly 5.5km of latitude. Cell sizes should divide
// 360 evenly so longitude wraps cleanly.
const DefaultCellDegrees = 0.05

func NewIndex() *Index { return NewIndexWithCell(DefaultCellDegrees) }

func NewIndexWithCell(cellDeg float64) *Index {
	if cellDeg <= 0 || cellDeg > 90 {
		cellDeg = DefaultCellDegrees
	}
	return &Index{
		cellDeg: cellDeg,
		nx:      int(math.Round(360 / cellDeg)),
		ny:      int(math.Round(180 / cellDeg)),
		cells:   make(map[cellKey]map[string]struct{}),
		drivers: make(map[string]*entry),
	}
}

func (g *Index) cellX(lon float64) int {
	x := int(math.Floor((lon + 180) / g.cellDeg))
	return ((x % g.nx) + g.nx) % g.nx
}

func (g *Index) cellY(lat float64) int {
	y := int(math.Floor((lat + 90) / g.cellDeg))
	if y < 0 {
		return 0
	}
	if y >= g.ny {
		return g.ny - 1
	}
	return y
}

func (g *Index) cellOf(loc models.Coord) cellKey {
	return cellKey{x: g.cellX(loc.Lon), y: g.cellY(loc.Lat)}
}

func (g *Index) Upsert(_ context.Context, driverID string, loc models.Coord, at time.Time) error {
	if err := validate(loc); err != nil {
		return err
	}
	if at.IsZero() {
		at = time.Now()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	lastSeen := at
	if e, ok := g.drivers[driverID]; ok {
		if at.Before(e.sampledAt) {
			return ErrStaleSample
		}
		if e.lastSeen.After(lastSeen) {
			lastSeen = e.lastSeen
		}
		g.unlink(driverID, e.cell)
	}
	c := g.cellOf(loc)
	bucket, ok := g.cells[c]
	if !ok {
		bucket = make(map[string]struct{})
		g.cells[c] = bucket
	}
	bucket[driverID] = struct{}{}
	g.drivers[driverID] = &entry{loc: loc, sampledAt: at, lastSeen: lastSeen, cell: c}
	return nil
}

func (g *Index) unlink(driverID string, c cellKey) {
	if bucket, ok := g.cells[c]; ok {
		delete(bucket, driverID)
		if len(bucket) == 0 {
			delete(g.cells, c)
		}
	}
}

func (g *Index) Touch(_ context.Context, driverID string, at time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.drivers[driverID]; ok && at.After(e.lastSeen) {
		e.lastSeen = at
	}
	return nil
}

func (g *Index) Position(_ context.Context, driverID string) (models.Candidate, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.drivers[driverID]
	if !ok {
		return models.Candidate{}, false, nil
	}
	return models.Candidate{DriverID: driverID, Loc: e.loc, LastSeen: e.lastSeen}, true, nil
}

func (g *Index) QueryRadius(_ context.Context, center models.Coord, radiusKm float64) ([]models.Candidate, error) {
	if err := validate(center); err != nil {
		return nil, err
	}
	if radiusKm <= 0 {
		return nil, nil
	}
	radius := radiusKm * 1000
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []models.Candidate
	g.visitCells(center, radius, func(bucket map[string]struct{}) {
		for id := range bucket {
			e := g.drivers[id]
			d := Distance(center, e.loc)
			if d <= radius {
				out = append(out, models.Candidate{DriverID: id, Loc: e.loc, DistanceMeters: d, LastSeen: e.lastSeen})
			}
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceMeters == out[j].DistanceMeters {
			return out[i].DriverID < out[j].DriverID
		}
		return out[i].DistanceMeters < out[j].DistanceMeters
	})
	return out, nil
}

// visitCells calls fn for every populated cell intersecting the bounding box
// of the circle (center, radius meters).
func (g *Index) visitCells(center models.Coord, radius float64, fn func(map[string]struct{})) {
	angular := radius / earthRadiusMeters
	dLat := radius / metersPerDegree
	minLat, maxLat := center.Lat-dLat, center.Lat+dLat

	fullLon := minLat <= -90 || maxLat >= 90
	var dLon float64
	if !fullLon {
		cosLat := math.Cos(center.Lat * math.Pi / 180)
		if math.Sin(angular) >= cosLat {
			fullLon = true
		} else {
			dLon = math.Asin(math.Sin(angular)/cosLat) * 180 / math.Pi
		}
	}

	y0, y1 := g.cellY(math.Max(minLat, -90)), g.cellY(math.Min(maxLat, 90))
	var xs []int
	if fullLon {
		xs = make([]int, g.nx)
		for i := range xs {
			xs[i] = i
		}
	} else {
		lo := int(math.Floor((center.Lon - dLon + 180) / g.cellDeg))
		hi := int(math.Floor((center.Lon + dLon + 180) / g.cellDeg))
		if hi-lo+1 >= g.nx {
			lo, hi = 0, g.nx-1
		}
		for x := lo; x <= hi; x++ {
			xs = append(xs, ((x%g.nx)+g.nx)%g.nx)
		}
	}
	for y := y0; y <= y1; y++ {
		for _, x := range xs {
			if bucket, ok := g.cells[cellKey{x: x, y: y}]; ok {
				fn(bucket)
			}
		}
	}
}

func (g *Index) Remove(_ context.Context, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.drivers[driverID]; ok {
		g.unlink(driverID, e.cell)
		delete(g.drivers, driverID)
	}
	return nil
}

func (g *Index) PruneStale(_ context.Context, before time.Time) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for id, e := range g.drivers {
		if e.lastSeen.Before(before) {
			g.unlink(id, e.cell)
			delete(g.drivers, id)
			n++
		}
	}
	return n, nil
}

// Count returns the number of registered drivers.
func (g *Index) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.drivers)
}
