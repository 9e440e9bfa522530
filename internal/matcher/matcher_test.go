package matcher

import (
	"context"
	"errors"
	"testing"

	"github.com/example/emergency-dispatch/internal/geo"
	"github.com/example/emergency-dispatch/internal/models"
)

type fakeDir struct {
	responders []models.Responder
	err        error
	calls      []float64
}

func (f *fakeDir) QueryBoundingBox(_ context.Context, _ models.Coord, r float64) ([]models.Responder, error) {
	f.calls = append(f.calls, r)
	return f.responders, f.err
}

var origin = models.Coord{Lat: 12.90, Lng: 77.60}

func TestFindCandidatesScenarioA(t *testing.T) {
	d := &fakeDir{responders: []models.Responder{
		{ID: "a", Loc: models.Coord{Lat: 12.902, Lng: 77.601}, Availability: models.Available},
	}}
	s := &Service{Directory: d}
	got, err := s.FindCandidates(context.Background(), origin, 500)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(got))
	}
	if got[0].DistanceMeters < 230 || got[0].DistanceMeters > 270 {
		t.Fatalf("unexpected distance %f", got[0].DistanceMeters)
	}
}

func TestFindCandidatesDropsOutsideRadiusAndSorts(t *testing.T) {
	d := &fakeDir{responders: []models.Responder{
		// box corner: inside the pre-filter, outside the circle
		{ID: "corner", Loc: models.Coord{Lat: 12.904, Lng: 77.604}},
		{ID: "far", Loc: models.Coord{Lat: 12.903, Lng: 77.600}},
		{ID: "b", Loc: models.Coord{Lat: 12.901, Lng: 77.600}},
		{ID: "a", Loc: models.Coord{Lat: 12.901, Lng: 77.600}},
	}}
	s := &Service{Directory: d}
	got, err := s.FindCandidates(context.Background(), origin, 500)
	if err != nil {
		t.Fatal(err)
	}
	ids := make([]string, 0, len(got))
	for _, c := range got {
		ids = append(ids, c.Responder.ID)
	}
	want := []string{"a", "b", "far"}
	if len(ids) != len(want) {
		t.Fatalf("expected %v, got %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, ids)
		}
	}
	if geo.Distance(origin, got[2].Responder.Loc) != got[2].DistanceMeters {
		t.Fatal("distance not exact")
	}
}

func TestFindCandidatesEmptyPool(t *testing.T) {
	s := &Service{Directory: &fakeDir{}}
	got, err := s.FindCandidates(context.Background(), origin, 500)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil list, got %#v", got)
	}
}

func TestSearchExpandsOnce(t *testing.T) {
	d := &fakeDir{responders: []models.Responder{
		{ID: "a", Loc: models.Coord{Lat: 12.906, Lng: 77.600}}, // ~667m
	}}
	s := &Service{Directory: d}
	got, used, err := s.Search(context.Background(), origin, 500, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if used != 1000 || len(got) != 1 {
		t.Fatalf("expected one candidate at 1000m, got %d at %v", len(got), used)
	}
	if len(d.calls) != 2 {
		t.Fatalf("expected 2 directory calls, got %d", len(d.calls))
	}
}

func TestSearchPropagatesDirectoryError(t *testing.T) {
	boom := errors.New("boom")
	s := &Service{Directory: &fakeDir{err: boom}}
	_, _, err := s.Search(context.Background(), origin, 500, 1000)
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}
