package status

import (
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server holds the dependencies the status handlers need.
type Server struct {
	snap *Snapshot
}

// NewServer wraps snap for HTTP exposition.
func NewServer(snap *Snapshot) *Server {
	return &Server{snap: snap}
}

// NewRouter returns a configured chi.Router for the Status/Query Service.
//
// Route layout:
//
//	GET /healthz            – liveness probe (no authentication required)
//	GET /api/v1/stats       – matcher counters and per-binary stack depths (JWT required if pubKey != nil)
//	GET /api/v1/regions     – recent region records for ?binary=<name> (JWT required if pubKey != nil)
//
// Pass a nil pubKey to disable JWT validation entirely, matching the
// dashboard's nil-pubkey-disables-auth convention.
func NewRouter(srv *Server, pubKey *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)

	r.Route("/api/v1", func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(pubKey))
		}
		r.Get("/stats", srv.handleGetStats)
		r.Get("/regions", srv.handleGetRegions)
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.snap.Stats())
}

func (s *Server) handleGetRegions(w http.ResponseWriter, r *http.Request) {
	binary := r.URL.Query().Get("binary")
	if binary == "" {
		writeError(w, http.StatusBadRequest, "binary query parameter is required")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.snap.Regions(binary, limit))
}
