package wsproto

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/example/order-dispatch/internal/models"
)

// Message is one frame of the driver channel protocol. Every concrete
// message carries its own type tag so decoding is exhaustive: an
// unknown tag is an error, never a silently-ignored blob.
type Message interface {
	MessageType() string
}

const (
	TypeNewOrderRequest = "new_order_request"
	TypeAcceptOrder     = "accept_order"
	TypeRejectOrder     = "reject_order"
	TypeOrderTaken      = "order_taken"
	TypePing            = "ping"
	TypePong            = "pong"
	TypeAck             = "ack"
	TypeError           = "error"
)

// NewOrderRequest is pushed server->driver when the driver is selected
// as a candidate.
type NewOrderRequest struct {
	NotificationID string             `json:"notification_id"`
	OrderID        string             `json:"order_id"`
	ServiceType    models.ServiceType `json:"service_type"`
	Title          string             `json:"title"`
	Body           string             `json:"body"`
	Pickup         models.Coord       `json:"pickup"`
	Dropoff        *models.Coord      `json:"dropoff,omitempty"`
	DistanceKm     float64            `json:"distance_km"` // rounded to 1 decimal
	EstimatedFare  float64            `json:"estimated_fare"`
	EstimatedMins  int                `json:"estimated_mins"`
	CustomerName   string             `json:"customer_name,omitempty"`
	CustomerPhone  string             `json:"customer_phone,omitempty"`
	ExpiresAt      time.Time          `json:"expires_at"`
	PlaySound      bool               `json:"play_sound"`
}

func (NewOrderRequest) MessageType() string { return TypeNewOrderRequest }

// AcceptOrder is sent driver->server to claim a notified order.
type AcceptOrder struct {
	NotificationID string             `json:"notification_id"`
	OrderID        string             `json:"order_id"`
	ServiceType    models.ServiceType `json:"service_type"`
}

func (AcceptOrder) MessageType() string { return TypeAcceptOrder }

// RejectOrder is sent driver->server to decline a notified order.
type RejectOrder struct {
	NotificationID string             `json:"notification_id"`
	OrderID        string             `json:"order_id"`
	ServiceType    models.ServiceType `json:"service_type"`
}

func (RejectOrder) MessageType() string { return TypeRejectOrder }

// OrderTaken tells a driver their accept lost the race.
type OrderTaken struct {
	NotificationID string `json:"notification_id"`
	OrderID        string `json:"order_id"`
}

func (OrderTaken) MessageType() string { return TypeOrderTaken }

// Ping is the server's liveness probe; Pong is the driver's answer.
type Ping struct {
	At time.Time `json:"at"`
}

func (Ping) MessageType() string { return TypePing }

type Pong struct {
	At time.Time `json:"at"`
}

func (Pong) MessageType() string { return TypePong }

// Ack confirms a driver message was applied.
type Ack struct {
	NotificationID string `json:"notification_id,omitempty"`
	OrderID        string `json:"order_id,omitempty"`
}

func (Ack) MessageType() string { return TypeAck }

// Error reports a per-connection failure; it never closes the channel.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (Error) MessageType() string { return TypeError }

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode wraps a message in its tagged envelope.
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: m.MessageType(), Data: data})
}

// Decode parses a frame into its concrete message type.
func Decode(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	var m Message
	switch env.Type {
	case TypeNewOrderRequest:
		m = &NewOrderRequest{}
	case TypeAcceptOrder:
		m = &AcceptOrder{}
	case TypeRejectOrder:
		m = &RejectOrder{}
	case TypeOrderTaken:
		m = &OrderTaken{}
	case TypePing:
		m = &Ping{}
	case TypePong:
		m = &Pong{}
	case TypeAck:
		m = &Ack{}
	case TypeError:
		m = &Error{}
	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, m); err != nil {
			return nil, fmt.Errorf("malformed %s payload: %w", env.Type, err)
		}
	}
	return m, nil
}
