package eta

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"github.com/example/emergency-dispatch/internal/models"
)

// GoogleRouter uses the Google Directions API in driving mode.
type GoogleRouter struct {
	client *maps.Client
}

func NewGoogleRouter(apiKey string, opts ...maps.ClientOption) (*GoogleRouter, error) {
	client, err := maps.NewClient(append([]maps.ClientOption{maps.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &GoogleRouter{client: client}, nil
}

func (g *GoogleRouter) Route(ctx context.Context, from, to models.Coord) (models.Route, error) {
	r := &maps.DirectionsRequest{
		Origin:      latLng(from),
		Destination: latLng(to),
		Mode:        maps.TravelModeDriving,
	}
	routes, _, err := g.client.Directions(ctx, r)
	if err != nil {
		return models.Route{}, fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return models.Route{}, fmt.Errorf("no route found")
	}
	var out models.Route
	for _, leg := range routes[0].Legs {
		out.DistanceMeters += float64(leg.Distance.Meters)
		out.DurationSeconds += leg.Duration.Seconds()
		for _, s := range leg.Steps {
			out.Steps = append(out.Steps, models.RouteStep{
				Instruction:     s.HTMLInstructions,
				DistanceMeters:  float64(s.Distance.Meters),
				DurationSeconds: s.Duration.Seconds(),
				Start:           models.Coord{Lat: s.StartLocation.Lat, Lng: s.StartLocation.Lng},
				End:             models.Coord{Lat: s.EndLocation.Lat, Lng: s.EndLocation.Lng},
			})
		}
	}
	return out, nil
}

func latLng(c models.Coord) string {
	return fmt.Sprintf("%f,%f", c.Lat, c.Lng)
}
