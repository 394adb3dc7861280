// Package api exposes the operational HTTP surface: indexer lifecycle,
// event queries, failed-event recovery and ledger integrity checks.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"dao-chain-indexer/config"
	"dao-chain-indexer/database"
	"dao-chain-indexer/indexer"
	"dao-chain-indexer/integrity"
	"dao-chain-indexer/logger"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// IndexerService is the manager surface the API depends on, kept narrow so
// handler tests can run against a stub.
type IndexerService interface {
	Start(targets []config.IndexerTargetConfig) error
	StartDefault() error
	Stop()
	Status() (*indexer.StatusSummary, error)
	CheckHealth() (*indexer.Health, error)
	RetryFailed(ctx context.Context, limit int) (int, int, error)
}

type IntegrityService interface {
	Check(ctx context.Context, projectID uint64) (*integrity.Report, error)
}

type Server struct {
	db        *gorm.DB
	indexers  IndexerService
	integrity IntegrityService
	http      *http.Server
}

func NewServer(address string, db *gorm.DB, indexers IndexerService, checker IntegrityService) *Server {
	s := &Server{db: db, indexers: indexers, integrity: checker}

	router := mux.NewRouter()
	router.HandleFunc("/indexer/status", s.status).Methods(http.MethodGet)
	router.HandleFunc("/indexer/start", s.start).Methods(http.MethodPost)
	router.HandleFunc("/indexer/start-default", s.startDefault).Methods(http.MethodPost)
	router.HandleFunc("/indexer/stop", s.stop).Methods(http.MethodPost)
	router.HandleFunc("/indexer/events", s.listEvents).Methods(http.MethodGet)
	router.HandleFunc("/indexer/events/{id:[0-9]+}", s.getEvent).Methods(http.MethodGet)
	router.HandleFunc("/indexer/retry-failed", s.retryFailed).Methods(http.MethodPost)
	router.HandleFunc("/indexer/health", s.health).Methods(http.MethodGet)
	router.HandleFunc("/integrity/check", s.integrityCheck).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:         address,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.http.Handler
}

func (s *Server) Run() error {
	logger.Info("api listening on %s", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	status, err := s.indexers.Status()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type startRequest struct {
	Configs []config.IndexerTargetConfig `json:"configs"`
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "invalid request body"))
		return
	}

	if err := s.indexers.Start(req.Configs); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"configs": req.Configs})
}

func (s *Server) startDefault(w http.ResponseWriter, r *http.Request) {
	if err := s.indexers.StartDefault(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	s.indexers.Stop()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := parseEventFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	events, err := database.ListEvents(s.db, filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events, "count": len(events)})
}

func (s *Server) getEvent(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid event id"))
		return
	}

	event, err := database.FetchEvent(s.db, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, errors.Errorf("event %d not found", id))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

type retryRequest struct {
	Limit int `json:"limit"`
}

func (s *Server) retryFailed(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "invalid request body"))
		return
	}

	processed, failed, err := s.indexers.RetryFailed(r.Context(), req.Limit)
	if errors.Is(err, indexer.ErrInvalidRetryLimit) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"processed": processed, "failed": failed})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	health, err := s.indexers.CheckHealth()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	code := http.StatusOK
	if !health.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

func (s *Server) integrityCheck(w http.ResponseWriter, r *http.Request) {
	var projectID uint64
	if raw := r.URL.Query().Get("projectId"); raw != "" {
		var err error
		projectID, err = strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("invalid projectId"))
			return
		}
	}

	report, err := s.integrity.Check(r.Context(), projectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func parseEventFilter(r *http.Request) (database.EventFilter, error) {
	q := r.URL.Query()
	filter := database.EventFilter{ContractAddress: q.Get("contractAddress")}

	if raw := q.Get("chainId"); raw != "" {
		chainID, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return filter, errors.New("invalid chainId")
		}
		filter.ChainID = &chainID
	}
	if raw := q.Get("processed"); raw != "" {
		processed, err := strconv.ParseBool(raw)
		if err != nil {
			return filter, errors.New("invalid processed flag")
		}
		filter.Processed = &processed
	}
	if raw := q.Get("hasError"); raw != "" {
		hasError, err := strconv.ParseBool(raw)
		if err != nil {
			return filter, errors.New("invalid hasError flag")
		}
		filter.HasError = &hasError
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return filter, errors.New("invalid limit")
		}
		filter.Limit = limit
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil {
			return filter, errors.New("invalid offset")
		}
		filter.Offset = offset
	}

	return filter, nil
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("api: response encode failed: %s", err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
