package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the coordinate is inside the WGS84 range.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

type RequestStatus string

const (
	RequestSearching RequestStatus = "searching"
	RequestOffered   RequestStatus = "offered"
	RequestAssigned  RequestStatus = "assigned"
	RequestEnroute   RequestStatus = "enroute"
	RequestArrived   RequestStatus = "arrived-destination"
	RequestCompleted RequestStatus = "completed"
	RequestFailed    RequestStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s RequestStatus) Terminal() bool {
	return s == RequestCompleted || s == RequestFailed
}

// Searching reports whether an escalation timer may be live for the status.
func (s RequestStatus) Searching() bool {
	return s == RequestSearching || s == RequestOffered
}

// Request is the emergency being serviced. Requests are never deleted.
type Request struct {
	ID                  string        `json:"id"`
	ContactRef          string        `json:"contact_ref"`
	CallerOrigin        Coord         `json:"caller_origin"`
	Origin              Coord         `json:"origin"`
	RadiusMeters        float64       `json:"radius_m"`
	Status              RequestStatus `json:"status"`
	AssignedResponderID string        `json:"assigned_responder_id,omitempty"`
	Round               int           `json:"round"`
	Transfers           int           `json:"transfers"`
	EscalationDeadline  *time.Time    `json:"escalation_deadline,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

type Availability string

const (
	Available Availability = "available"
	Busy      Availability = "busy"
	Offline   Availability = "offline"
)

func (a Availability) Valid() bool {
	return a == Available || a == Busy || a == Offline
}

// Responder is a mobile unit that can be matched to a Request.
type Responder struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Phone         string       `json:"phone,omitempty"`
	VehicleNo     string       `json:"vehicle_no"`
	Loc           Coord        `json:"loc"`
	Availability  Availability `json:"availability"`
	BusyRequestID string       `json:"busy_request_id,omitempty"`
	LastSeen      time.Time    `json:"last_seen"`
	Trips         int          `json:"trips"`
	Cancellations int          `json:"cancellations"`
}

// PublicProfile is the subset of responder fields shown to a requester.
type PublicProfile struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	VehicleNo string `json:"vehicle_no"`
	Phone     string `json:"phone,omitempty"`
}

func (r Responder) Profile() PublicProfile {
	return PublicProfile{ID: r.ID, Name: r.Name, VehicleNo: r.VehicleNo, Phone: r.Phone}
}

// Candidate is a responder returned by the matcher with its exact distance.
type Candidate struct {
	Responder      Responder `json:"responder"`
	DistanceMeters float64   `json:"distance_m"`
}

type OfferStatus string

const (
	OfferPending    OfferStatus = "pending"
	OfferAccepted   OfferStatus = "accepted"
	OfferRejected   OfferStatus = "rejected"
	OfferSuperseded OfferStatus = "superseded"
	OfferExpired    OfferStatus = "expired"
)

// Offer is one row of the assignment ledger.
type Offer struct {
	ID             string      `json:"id"`
	RequestID      string      `json:"request_id"`
	ResponderID    string      `json:"responder_id"`
	Status         OfferStatus `json:"status"`
	RadiusMeters   float64     `json:"radius_m"`
	DistanceMeters float64     `json:"distance_m"`
	CreatedAt      time.Time   `json:"created_at"`
	ResolvedAt     *time.Time  `json:"resolved_at,omitempty"`
	Reason         string      `json:"reason,omitempty"`
}

type RouteStep struct {
	Instruction     string  `json:"instruction"`
	DistanceMeters  float64 `json:"distance_m"`
	DurationSeconds float64 `json:"duration_s"`
	Start           Coord   `json:"start"`
	End             Coord   `json:"end"`
}

// Route is what the routing collaborator returns.
type Route struct {
	DistanceMeters  float64     `json:"distance_m"`
	DurationSeconds float64     `json:"duration_s"`
	Steps           []RouteStep `json:"steps,omitempty"`
}

// TravelEstimate is relayed to the requester once a responder is assigned.
// Estimated is true when the straight-line fallback was used.
type TravelEstimate struct {
	DistanceMeters   float64     `json:"distance_m"`
	DurationSeconds  float64     `json:"duration_s"`
	ETA              time.Time   `json:"eta"`
	EstimatedMinutes int         `json:"estimated_minutes"`
	Estimated        bool        `json:"estimated"`
	Steps            []RouteStep `json:"steps,omitempty"`
}

// LocationPing is one accepted location update of a responder.
type LocationPing struct {
	ResponderID string    `json:"responder_id"`
	RequestID   string    `json:"request_id,omitempty"`
	Lat         float64   `json:"lat"`
	Lng         float64   `json:"lng"`
	At          time.Time `json:"at"`
}
