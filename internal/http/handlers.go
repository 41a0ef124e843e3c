package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/order-dispatch/internal/dispatch"
	"github.com/example/order-dispatch/internal/geo"
	"github.com/example/order-dispatch/internal/ingest"
	"github.com/example/order-dispatch/internal/models"
	"github.com/example/order-dispatch/internal/observability"
	"github.com/example/order-dispatch/internal/registry"
	"github.com/example/order-dispatch/internal/storage"
	"github.com/example/order-dispatch/internal/wsproto"
)

// Server exposes the dispatch engine: the internal API order
// management calls, the driver ingest endpoint, and the driver
// channel endpoint.
type Server struct {
	Geo      geo.Geo
	Engine   *dispatch.Engine
	Store    storage.DispatchStore
	Kafka    *ingest.KafkaProducer // optional
	Registry *registry.Registry

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(g geo.Geo, engine *dispatch.Engine, store storage.DispatchStore, reg *registry.Registry, kafka *ingest.KafkaProducer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{Geo: g, Engine: engine, Store: store, Kafka: kafka, Registry: reg, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/internal/dispatch/requests", s.handleCreateDispatch).Methods("POST")
	s.mux.HandleFunc("/internal/dispatch/requests/{id}", s.handleGetDispatch).Methods("GET")
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}/notifications", s.handlePendingNotifications).Methods("GET")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/driver/{driver_id}", s.handleDriverWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type createDispatchBody struct {
	OrderID           string             `json:"order_id"`
	ServiceType       models.ServiceType `json:"service_type"`
	CustomerID        string             `json:"customer_id"`
	CustomerName      string             `json:"customer_name"`
	CustomerPhone     string             `json:"customer_phone"`
	Pickup            models.Coord       `json:"pickup"`
	Dropoff           *models.Coord      `json:"dropoff"`
	VehicleConstraint string             `json:"vehicle_constraint"`
	Priority          int                `json:"priority"`
}

// handleCreateDispatch is the entry point order management calls when
// a new order needs a driver.
func (s *Server) handleCreateDispatch(w http.ResponseWriter, r *http.Request) {
	var body createDispatchBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	req, err := s.Engine.CreateDispatchRequest(r.Context(), dispatch.CreateInput{
		OrderID:           body.OrderID,
		ServiceType:       body.ServiceType,
		CustomerID:        body.CustomerID,
		CustomerName:      body.CustomerName,
		CustomerPhone:     body.CustomerPhone,
		Pickup:            body.Pickup,
		Dropoff:           body.Dropoff,
		VehicleConstraint: body.VehicleConstraint,
		Priority:          body.Priority,
	})
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]any{"request_id": req.ID, "status": req.Status})
}

func (s *Server) handleGetDispatch(w http.ResponseWriter, r *http.Request) {
	req, err := s.Store.GetRequest(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(req)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var d models.Driver
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	d.Online = true
	// publish to kafka if configured
	if s.Kafka != nil {
		_ = s.Kafka.PublishDriverState(d)
	}
	s.Geo.Upsert(d)
	observability.LocationUpdatesTotal.Inc()
	w.WriteHeader(204)
}

// handlePendingNotifications is the store-and-poll path: a driver with
// no live channel fetches offers created while they were offline.
func (s *Server) handlePendingNotifications(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	offers, err := s.Engine.PendingOffers(r.Context(), driverID)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"notifications": offers})
}

var upgrader = websocket.Upgrader{}

// handleDriverWS upgrades the driver's persistent channel and runs its
// read loop until disconnect.
func (s *Server) handleDriverWS(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	// TODO: validate driverID against the server-side session instead
	// of trusting the path parameter
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", 400)
		return
	}
	h := s.Registry.Register(driverID, conn)
	s.logger.Info("driver channel connected", "driver_id", driverID)

	// replay offers the driver missed while offline
	if offers, err := s.Engine.PendingOffers(r.Context(), driverID); err == nil {
		for _, o := range offers {
			_ = h.Send(o)
		}
	}

	go s.readLoop(driverID, h, conn)
}

// readLoop handles inbound driver frames. A malformed frame answers
// this connection with an error; it never affects other connections.
func (s *Server) readLoop(driverID string, h *registry.Handle, conn *websocket.Conn) {
	defer s.Registry.Unregister(h)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.logger.Info("driver channel closed", "driver_id", driverID, "error", err)
			return
		}
		h.Touch()
		msg, err := wsproto.Decode(raw)
		if err != nil {
			_ = h.Send(&wsproto.Error{Code: "bad_message", Message: err.Error()})
			continue
		}
		s.handleDriverMessage(driverID, h, msg)
	}
}

func (s *Server) handleDriverMessage(driverID string, h *registry.Handle, msg wsproto.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	switch m := msg.(type) {
	case *wsproto.AcceptOrder:
		err := s.Engine.HandleAccept(ctx, driverID, m.NotificationID)
		switch {
		case errors.Is(err, dispatch.ErrTooLate):
			_ = h.Send(&wsproto.OrderTaken{NotificationID: m.NotificationID, OrderID: m.OrderID})
		case err != nil:
			_ = h.Send(&wsproto.Error{Code: "accept_failed", Message: err.Error()})
		default:
			_ = h.Send(&wsproto.Ack{NotificationID: m.NotificationID, OrderID: m.OrderID})
		}
	case *wsproto.RejectOrder:
		if err := s.Engine.HandleReject(ctx, driverID, m.NotificationID); err != nil {
			_ = h.Send(&wsproto.Error{Code: "reject_failed", Message: err.Error()})
			return
		}
		_ = h.Send(&wsproto.Ack{NotificationID: m.NotificationID, OrderID: m.OrderID})
	case *wsproto.Ping:
		_ = h.Send(&wsproto.Pong{At: m.At})
	case *wsproto.Pong:
		// Touch above already recorded the activity
	default:
		_ = h.Send(&wsproto.Error{Code: "unexpected_message", Message: "unexpected message type " + msg.MessageType()})
	}
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
