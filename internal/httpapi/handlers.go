package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/instant-dispatch/internal/engine"
	"github.com/example/instant-dispatch/internal/ingest"
	"github.com/example/instant-dispatch/internal/models"
	"github.com/example/instant-dispatch/internal/notify"
	"github.com/example/instant-dispatch/internal/registry"
	"github.com/example/instant-dispatch/internal/store"
)

type Server struct {
	Engine   *engine.Engine
	Registry registry.Registry
	Store    store.RequestStore
	Kafka    *ingest.KafkaProducer // optional heartbeat bus
	WSReg    *notify.WSRegistry
	logger   *slog.Logger
	mux      *mux.Router
}

func NewServer(eng *engine.Engine, reg registry.Registry, st store.RequestStore, kafka *ingest.KafkaProducer, wsreg *notify.WSRegistry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{Engine: eng, Registry: reg, Store: st, Kafka: kafka, WSReg: wsreg, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/workers/{worker_id}/online", s.handleGoOnline).Methods("POST")
	s.mux.HandleFunc("/api/v1/workers/{worker_id}/heartbeat", s.handleHeartbeat).Methods("POST")
	s.mux.HandleFunc("/api/v1/workers/{worker_id}/offline", s.handleGoOffline).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests", s.handleSubmit).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{request_id}", s.handleGetRequest).Methods("GET")
	s.mux.HandleFunc("/api/v1/requests/{request_id}/accept", s.handleAccept).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{request_id}/decline", s.handleDecline).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{request_id}/cancel", s.handleCancel).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{request_id}/complete", s.handleComplete).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{client_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type onlineBody struct {
	Loc   models.Location    `json:"loc"`
	Prefs models.Preferences `json:"prefs"`
}

func (s *Server) handleGoOnline(w http.ResponseWriter, r *http.Request) {
	workerID := mux.Vars(r)["worker_id"]
	var body onlineBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Registry.GoOnline(workerID, body.Loc, body.Prefs); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	workerID := mux.Vars(r)["worker_id"]
	var body struct {
		Loc models.Location `json:"loc"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Registry.Heartbeat(workerID, body.Loc); err != nil {
		s.writeError(w, err)
		return
	}
	if s.Kafka != nil {
		if err := s.Kafka.PublishHeartbeat(workerID, body.Loc); err != nil {
			s.logger.Warn("heartbeat publish failed", "worker_id", workerID, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGoOffline(w http.ResponseWriter, r *http.Request) {
	workerID := mux.Vars(r)["worker_id"]
	if err := s.Registry.GoOffline(workerID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var sub models.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if sub.RequesterID == "" {
		http.Error(w, "requester_id required", http.StatusBadRequest)
		return
	}
	req, err := s.Engine.Submit(r.Context(), sub)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(req)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, ok := s.Store.Get(mux.Vars(r)["request_id"])
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(req)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["request_id"]
	var body struct {
		WorkerID          string `json:"worker_id"`
		ClaimedEtaMinutes int    `json:"claimed_eta_minutes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Engine.Accept(r.Context(), requestID, body.WorkerID, body.ClaimedEtaMinutes); err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"result": "assigned", "request_id": requestID, "worker_id": body.WorkerID})
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["request_id"]
	var body struct {
		WorkerID string `json:"worker_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Engine.Decline(r.Context(), requestID, body.WorkerID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.Engine.Cancel(r.Context(), mux.Vars(r)["request_id"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	if err := s.Engine.Complete(r.Context(), mux.Vars(r)["request_id"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["client_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.WSReg.Add(id, conn)
	// read pump: clients send nothing we act on, but the read is what
	// detects a dropped connection so the session does not linger
	go func() {
		defer func() {
			s.WSReg.Remove(id)
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// writeError maps the domain taxonomy onto HTTP statuses; anything outside it
// is an infrastructure failure and surfaces as a 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var status int
	var code string
	switch {
	case errors.Is(err, registry.ErrNotOnline):
		status, code = http.StatusConflict, "not_online"
	case errors.Is(err, engine.ErrNotOffered):
		status, code = http.StatusNotFound, "not_offered"
	case errors.Is(err, engine.ErrExpired):
		status, code = http.StatusGone, "expired"
	case errors.Is(err, engine.ErrAlreadyTaken):
		status, code = http.StatusConflict, "already_taken"
	case errors.Is(err, engine.ErrTooLate):
		status, code = http.StatusConflict, "too_late"
	case errors.Is(err, engine.ErrNoEligibleWorkers):
		status, code = http.StatusServiceUnavailable, "no_eligible_workers"
	default:
		s.logger.Error("internal error", "error", err)
		status, code = http.StatusInternalServerError, "internal"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": code, "detail": err.Error()})
}
