package eta

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/emergency-dispatch/internal/models"
)

// OSRMClient performs route lookups against an OSRM HTTP server.
type OSRMClient struct {
	Endpoint string
	Client   *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{Endpoint: endpoint, Client: &http.Client{Timeout: 2 * time.Second}}
}

type osrmResponse struct {
	Code   string `json:"code"`
	Routes []struct {
		Distance float64 `json:"distance"`
		Duration float64 `json:"duration"`
		Legs     []struct {
			Steps []struct {
				Distance float64 `json:"distance"`
				Duration float64 `json:"duration"`
				Name     string  `json:"name"`
				Maneuver struct {
					Type     string     `json:"type"`
					Modifier string     `json:"modifier"`
					Location [2]float64 `json:"location"`
				} `json:"maneuver"`
			} `json:"steps"`
		} `json:"legs"`
	} `json:"routes"`
}

// Route queries OSRM /route between points with steps enabled.
func (o *OSRMClient) Route(ctx context.Context, from, to models.Coord) (models.Route, error) {
	// OSRM takes lon,lat pairs
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=false&steps=true", o.Endpoint, from.Lng, from.Lat, to.Lng, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.Route{}, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return models.Route{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return models.Route{}, fmt.Errorf("osrm status %d", resp.StatusCode)
	}
	var out osrmResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.Route{}, err
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return models.Route{}, fmt.Errorf("osrm no route: %v", out.Code)
	}
	r := out.Routes[0]
	route := models.Route{DistanceMeters: r.Distance, DurationSeconds: r.Duration}
	for _, leg := range r.Legs {
		for i, s := range leg.Steps {
			step := models.RouteStep{
				Instruction:     instruction(s.Maneuver.Type, s.Maneuver.Modifier, s.Name),
				DistanceMeters:  s.Distance,
				DurationSeconds: s.Duration,
				Start:           models.Coord{Lat: s.Maneuver.Location[1], Lng: s.Maneuver.Location[0]},
			}
			if i+1 < len(leg.Steps) {
				next := leg.Steps[i+1].Maneuver.Location
				step.End = models.Coord{Lat: next[1], Lng: next[0]}
			} else {
				step.End = step.Start
			}
			route.Steps = append(route.Steps, step)
		}
	}
	return route, nil
}

func instruction(typ, modifier, name string) string {
	s := typ
	if modifier != "" {
		s += " " + modifier
	}
	if name != "" {
		s += " onto " + name
	}
	return s
}
