package matcher

import (
	"context"
	"fmt"
	"sort"

	"github.com/example/emergency-dispatch/internal/geo"
	"github.com/example/emergency-dispatch/internal/models"
	"github.com/example/emergency-dispatch/internal/observability"
)

// Directory is the part of geo.Directory the matcher reads.
type Directory interface {
	QueryBoundingBox(ctx context.Context, center models.Coord, radiusMeters float64) ([]models.Responder, error)
}

type Service struct {
	Directory Directory
}

// FindCandidates returns the available responders within radiusMeters of
// center, nearest first. Equal distances are ordered by responder id.
func (s *Service) FindCandidates(ctx context.Context, center models.Coord, radiusMeters float64) ([]models.Candidate, error) {
	pool, err := s.Directory.QueryBoundingBox(ctx, center, radiusMeters)
	if err != nil {
		return nil, fmt.Errorf("query bounding box: %w", err)
	}
	out := make([]models.Candidate, 0, len(pool))
	for _, r := range pool {
		d := geo.Distance(center, r.Loc)
		if d > radiusMeters {
			continue
		}
		out = append(out, models.Candidate{Responder: r, DistanceMeters: d})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceMeters != out[j].DistanceMeters {
			return out[i].DistanceMeters < out[j].DistanceMeters
		}
		return out[i].Responder.ID < out[j].Responder.ID
	})
	observability.CandidatesPerSearch.Observe(float64(len(out)))
	return out, nil
}

// Search walks radii in order and stops at the first non-empty result. The
// returned radius is the one that produced the candidates, or the last one
// tried when nothing was found.
func (s *Service) Search(ctx context.Context, center models.Coord, radii ...float64) ([]models.Candidate, float64, error) {
	var used float64
	for _, r := range radii {
		used = r
		cands, err := s.FindCandidates(ctx, center, r)
		if err != nil {
			return nil, r, err
		}
		observability.SearchRadiusMeters.Observe(r)
		if len(cands) > 0 {
			return cands, r, nil
		}
	}
	return []models.Candidate{}, used, nil
}
