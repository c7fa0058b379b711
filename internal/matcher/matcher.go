package matcher

import (
	"context"
	"sort"
	"time"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/models"
)

// Ranked is a candidate with its estimated time to the pickup point.
type Ranked struct {
	models.Candidate
	ETASeconds float64
}

// Service filters and orders registry candidates before offers go out.
type Service struct {
	DefaultSpeedMps float64
	TopN            int
	// StaleAfter drops candidates whose last report is older than this.
	// Zero disables the check.
	StaleAfter time.Duration
	ETAClient  eta.Client // optional OSRM client
	ETACache   *eta.Cache // optional ETA cache
	Now        func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Fresh drops candidates not heard from within StaleAfter.
func (s *Service) Fresh(cands []models.Candidate) []models.Candidate {
	if s.StaleAfter <= 0 {
		return cands
	}
	horizon := s.now().Add(-s.StaleAfter)
	out := cands[:0:0]
	for _, c := range cands {
		if c.LastSeen.IsZero() || c.LastSeen.Before(horizon) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Rank orders fresh candidates by ETA to pickup (distance breaks ties) and
// keeps at most TopN.
func (s *Service) Rank(ctx context.Context, pickup models.Coord, cands []models.Candidate) []Ranked {
	topN := s.TopN
	if topN <= 0 {
		topN = 10
	}
	fresh := s.Fresh(cands)
	out := make([]Ranked, 0, len(fresh))
	for _, c := range fresh {
		out = append(out, Ranked{Candidate: c, ETASeconds: s.etaSeconds(ctx, c.Loc, pickup)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ETASeconds == out[j].ETASeconds {
			return out[i].DistanceMeters < out[j].DistanceMeters
		}
		return out[i].ETASeconds < out[j].ETASeconds
	})
	if len(out) > topN {
		out = out[:topN]
	}
	return out
}

func (s *Service) etaSeconds(ctx context.Context, from, to models.Coord) float64 {
	if s.ETACache != nil {
		if v, ok := s.ETACache.Get(from, to); ok {
			return v
		}
	}
	if s.ETAClient != nil {
		if v, err := s.ETAClient.EstimateSeconds(ctx, from, to); err == nil {
			if s.ETACache != nil {
				s.ETACache.Set(from, to, v)
			}
			return v
		}
	}
	// fallback to naive estimator
	return eta.EstimateSeconds(from, to, s.DefaultSpeedMps)
}
