package daemon

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/pkg/errors"
)

// healthLagBlocks is how far behind the observed chain tip last_synced
// may fall before /healthz reports unhealthy. Generous: the engine
// polls on cfg.PollInterval and a single slow batch should not flap
// health checks.
const healthLagBlocks = 50

func (r *Runtime) newAdminServer() *http.Server {
	router := chi.NewRouter()
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}))
	router.Get("/healthz", r.handleHealthz)
	router.Get("/stats.json", r.handleStats)
	return &http.Server{Addr: r.cfg.AdminAddr, Handler: router}
}

func (r *Runtime) handleHealthz(w http.ResponseWriter, req *http.Request) {
	progress, err := r.api.SyncStatus(req.Context())
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "error", "error": err.Error()})
		return
	}

	healthy := progress.ChainTip == 0 || progress.ChainTip-progress.LastSynced <= healthLagBlocks
	status := http.StatusOK
	label := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		label = "unhealthy"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":         label,
		"last_synced":    progress.LastSynced,
		"last_finalized": progress.LastFinalized,
		"chain_tip":      progress.ChainTip,
		"current_epoch":  progress.CurrentEpoch,
	})
}

func (r *Runtime) handleStats(w http.ResponseWriter, req *http.Request) {
	stats, err := r.api.Stats(req.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

// serveUntilCancel runs srv until ctx is cancelled, then gives it 5s to
// drain in-flight requests before returning.
func serveUntilCancel(ctx context.Context, srv *http.Server) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return errors.Wrapf(err, "daemon: admin listener on %s", srv.Addr)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "daemon: admin server shutdown")
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "daemon: admin server")
		}
		return nil
	}
}
