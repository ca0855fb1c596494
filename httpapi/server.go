// Package httpapi implements the read-only query façade of spec.md §6.4:
// twelve JSON endpoints over the store, the stats ledger, and the rebuild
// engine's replayed state, routed with github.com/gorilla/mux.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/typhfeng/poly-pnl/rebuild"
	"github.com/typhfeng/poly-pnl/stats"
	"github.com/typhfeng/poly-pnl/store"
)

// forbiddenClauses guards /sql against anything but a read-only SELECT,
// per spec §6.4.
var forbiddenClauses = []string{
	";", "--", "/*",
	"insert", "update", "delete", "drop", "create", "alter", "truncate",
}

// Server wires the store, the stats ledger, and the rebuild engine behind
// one mux.Router, grounded on obsrvr-lake/stellar-query-api/go's
// handlers_contract_calls.go, the teacher's own direct, mux.Vars-using
// gorilla/mux façade (the plain stellar-query-api/go/main.go routes with
// stdlib http.NewServeMux and only pulls gorilla/mux in indirectly).
type Server struct {
	st     *store.Store
	ledger *stats.Ledger
	engine *rebuild.Engine
	log    *zap.Logger

	router *mux.Router
}

// NewServer builds the façade's router. Call Handler to get the
// http.Handler to pass to an http.Server.
func NewServer(st *store.Store, ledger *stats.Ledger, engine *rebuild.Engine, log *zap.Logger) *Server {
	s := &Server{st: st, ledger: ledger, engine: engine, log: log}
	s.router = mux.NewRouter()
	s.router.Use(corsMiddleware)

	s.router.HandleFunc("/sql", s.handleSQL).Methods(http.MethodGet)
	s.router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	s.router.HandleFunc("/sync", s.handleSync).Methods(http.MethodGet)
	s.router.HandleFunc("/entity-stats", s.handleEntityStats).Methods(http.MethodGet)
	s.router.HandleFunc("/indexer-fails", s.handleIndexerFails).Methods(http.MethodGet)
	s.router.HandleFunc("/rebuild-all", s.handleRebuildAll).Methods(http.MethodGet, http.MethodPost)
	s.router.HandleFunc("/rebuild-status", s.handleRebuildStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/rebuild-load", s.handleRebuildLoad).Methods(http.MethodGet, http.MethodPost)
	s.router.HandleFunc("/replay", s.handleReplay).Methods(http.MethodGet)
	s.router.HandleFunc("/replay-trades", s.handleReplayTrades).Methods(http.MethodGet)
	s.router.HandleFunc("/replay-positions", s.handleReplayPositions).Methods(http.MethodGet)
	s.router.HandleFunc("/replay-users", s.handleReplayUsers).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return s
}

// Handler returns the wired http.Handler for use by an http.Server.
func (s *Server) Handler() http.Handler { return s.router }

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleSQL(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if err := validateSelectOnly(q); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rows, err := s.st.QueryJSON(r.Context(), q)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, rows)
}

// validateSelectOnly enforces the /sql guard of spec §6.4: SELECT only, no
// statement terminator, comment, or any mutating keyword.
func validateSelectOnly(q string) error {
	trimmed := strings.TrimSpace(q)
	lower := strings.ToLower(trimmed)
	if !strings.HasPrefix(lower, "select") {
		return errBadQuery("query must start with SELECT")
	}
	for _, clause := range forbiddenClauses {
		if strings.Contains(lower, clause) {
			return errBadQuery("query contains forbidden clause: " + clause)
		}
	}
	return nil
}

type errBadQuery string

func (e errBadQuery) Error() string { return string(e) }

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	tables := []string{"condition", "enriched_order_filled", "split", "merge", "redemption"}
	out := make(map[string]int64, len(tables))
	for _, t := range tables {
		n, err := s.st.QuerySingleInt(r.Context(), "SELECT count(*) FROM "+t)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out[t] = n
	}
	writeJSON(w, out)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	rows, err := s.st.QueryJSON(r.Context(), `SELECT source, entity, cursor_value, cursor_skip, last_sync_at FROM sync_state`)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, rows)
}

func (s *Server) handleEntityStats(w http.ResponseWriter, r *http.Request) {
	b, err := s.ledger.AllJSON()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(b)
}

func (s *Server) handleIndexerFails(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source")
	entity := r.URL.Query().Get("entity")
	writeJSON(w, s.ledger.IndexerFailures(source, entity))
}

func (s *Server) handleRebuildAll(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.StartAsync(context.Background()); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, map[string]string{"status": "started"})
}

func (s *Server) handleRebuildStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.engine.Status())
}

func (s *Server) handleRebuildLoad(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.LoadFromDisk(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "loaded"})
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	user, err := s.requireUser(w, r)
	if err != nil {
		return
	}
	writeJSON(w, rebuild.UserTimeline(user))
}

func (s *Server) handleReplayTrades(w http.ResponseWriter, r *http.Request) {
	user, err := s.requireUser(w, r)
	if err != nil {
		return
	}
	ts, err := strconv.ParseInt(r.URL.Query().Get("ts"), 10, 64)
	if err != nil {
		http.Error(w, "invalid or missing ts", http.StatusBadRequest)
		return
	}
	radius := 5
	if raw := r.URL.Query().Get("radius"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			radius = n
		}
	}
	writeJSON(w, rebuild.TradesAt(user, ts, radius))
}

func (s *Server) handleReplayPositions(w http.ResponseWriter, r *http.Request) {
	user, err := s.requireUser(w, r)
	if err != nil {
		return
	}
	ts, err := strconv.ParseInt(r.URL.Query().Get("ts"), 10, 64)
	if err != nil {
		http.Error(w, "invalid or missing ts", http.StatusBadRequest)
		return
	}
	writeJSON(w, rebuild.PositionsAt(user, ts))
}

func (s *Server) handleReplayUsers(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	st := s.engine.State()
	if st == nil {
		writeJSON(w, []rebuild.UserByEventCount{})
		return
	}
	writeJSON(w, rebuild.UserList(st.Users, limit))
}

func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) (*rebuild.UserState, error) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "missing user parameter", http.StatusBadRequest)
		return nil, errBadQuery("missing user")
	}
	user, ok := s.engine.FindUser(userID)
	if !ok {
		http.Error(w, "unknown user", http.StatusNotFound)
		return nil, errBadQuery("unknown user")
	}
	return user, nil
}
