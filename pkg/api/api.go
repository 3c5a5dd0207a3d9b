// Package api exposes the database over HTTP: JSON command endpoints
// plus a WebSocket stream of keyspace events.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/tskv/tskv/pkg/query"
	"github.com/tskv/tskv/pkg/rules"
	"github.com/tskv/tskv/pkg/series"
	"github.com/tskv/tskv/pkg/tsdb"
)

// Server wires HTTP routes onto a DB.
type Server struct {
	db *tsdb.DB
}

func NewServer(db *tsdb.DB) *Server {
	return &Server{db: db}
}

// Router builds the HTTP route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/series", s.handleCreate).Methods("POST")
	api.HandleFunc("/series/{key}", s.handleAlter).Methods("PUT")
	api.HandleFunc("/series/{key}", s.handleDeleteSeries).Methods("DELETE")
	api.HandleFunc("/series/{key}/info", s.handleInfo).Methods("GET")

	api.HandleFunc("/add", s.handleAdd).Methods("POST")
	api.HandleFunc("/madd", s.handleMAdd).Methods("POST")
	api.HandleFunc("/bulk", s.handleBulk).Methods("POST")
	api.HandleFunc("/incrby", s.handleIncrBy).Methods("POST")
	api.HandleFunc("/decrby", s.handleDecrBy).Methods("POST")
	api.HandleFunc("/delrange", s.handleDelRange).Methods("POST")

	api.HandleFunc("/range", s.handleRange).Methods("GET")
	api.HandleFunc("/mrange", s.handleMRange).Methods("GET")
	api.HandleFunc("/get", s.handleGet).Methods("GET")
	api.HandleFunc("/join", s.handleJoin).Methods("POST")

	api.HandleFunc("/rules", s.handleCreateRule).Methods("POST")
	api.HandleFunc("/rules", s.handleDeleteRule).Methods("DELETE")

	api.HandleFunc("/keys", s.handleKeys).Methods("GET")
	api.HandleFunc("/events", s.handleEvents).Methods("GET")
	api.HandleFunc("/health", handleHealth).Methods("GET")

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write response: %v", err)
	}
}

// writeError maps engine errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, tsdb.ErrSeriesNotFound), errors.Is(err, rules.ErrRuleNotFound):
		status = http.StatusNotFound
	case errors.Is(err, tsdb.ErrSeriesExists):
		status = http.StatusConflict
	case errors.Is(err, query.ErrInvalidArgument),
		errors.Is(err, series.ErrInvalidValue),
		errors.Is(err, rules.ErrSelfReference),
		errors.Is(err, rules.ErrBadBucket),
		errors.Is(err, rules.ErrConditionKinds):
		status = http.StatusBadRequest
	case errors.Is(err, rules.ErrDestInUse),
		errors.Is(err, rules.ErrChainedRule),
		errors.Is(err, rules.ErrSourceHasRule):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
