package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// ServiceType identifies which marketplace vertical an order belongs to.
type ServiceType string

const (
	ServiceRide   ServiceType = "ride"
	ServiceFood   ServiceType = "food"
	ServiceParcel ServiceType = "parcel"
)

func (s ServiceType) Valid() bool {
	switch s {
	case ServiceRide, ServiceFood, ServiceParcel:
		return true
	}
	return false
}

type Driver struct {
	ID          string    `json:"id"`
	Loc         Coord     `json:"loc"`
	Rating      float64   `json:"rating"` // 0..5
	VehicleType string    `json:"vehicle_type"`
	Online      bool      `json:"online"`
	Available   bool      `json:"available"`
	Verified    bool      `json:"verified"`
	Active      bool      `json:"active"`
	Updated     time.Time `json:"updated"`
}

// Eligible reports whether the driver may be offered work at all,
// independent of distance.
func (d Driver) Eligible() bool {
	return d.Online && d.Available && d.Verified && d.Active
}

// RequestStatus is the lifecycle state of a DispatchRequest.
// assigned and expired are terminal.
type RequestStatus string

const (
	StatusSearching RequestStatus = "searching"
	StatusAssigned  RequestStatus = "assigned"
	StatusExpired   RequestStatus = "expired"
)

// DispatchRequest is one order's in-flight search for a driver.
type DispatchRequest struct {
	ID                string        `json:"id"`
	OrderID           string        `json:"order_id"`
	ServiceType       ServiceType   `json:"service_type"`
	CustomerID        string        `json:"customer_id"`
	CustomerName      string        `json:"customer_name,omitempty"`
	CustomerPhone     string        `json:"customer_phone,omitempty"`
	Pickup            Coord         `json:"pickup"`
	Dropoff           *Coord        `json:"dropoff,omitempty"`
	VehicleConstraint string        `json:"vehicle_constraint,omitempty"`
	CurrentRadiusKm   float64       `json:"current_radius_km"`
	MaxRadiusKm       float64       `json:"max_radius_km"`
	Status            RequestStatus `json:"status"`
	TriedDriverIDs    []string      `json:"tried_driver_ids"`
	RejectedDriverIDs []string      `json:"rejected_driver_ids"`
	AssignedDriverID  string        `json:"assigned_driver_id,omitempty"`
	Priority          int           `json:"priority"`
	ExpiresAt         time.Time     `json:"expires_at"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Excluded reports whether driverID was already tried or has rejected
// this request.
func (r *DispatchRequest) Excluded(driverID string) bool {
	for _, id := range r.TriedDriverIDs {
		if id == driverID {
			return true
		}
	}
	for _, id := range r.RejectedDriverIDs {
		if id == driverID {
			return true
		}
	}
	return false
}

// DriverNotification is one candidate's pending offer for a request.
// It is mutated exactly once: to accepted or to rejected.
type DriverNotification struct {
	ID          string      `json:"id"`
	RequestID   string      `json:"request_id"`
	DriverID    string      `json:"driver_id"`
	OrderID     string      `json:"order_id"`
	ServiceType ServiceType `json:"service_type"`
	Accepted    bool        `json:"accepted"`
	Rejected    bool        `json:"rejected"`
	AcceptedAt  *time.Time  `json:"accepted_at,omitempty"`
	RejectedAt  *time.Time  `json:"rejected_at,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	ExpiresAt   time.Time   `json:"expires_at"`
}

func (n *DriverNotification) Pending() bool { return !n.Accepted && !n.Rejected }
