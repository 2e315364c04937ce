package httpserver

import (
	"net/http"
	"time"

	"github.com/sokopesa/bridge/pkg/responders"
)

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	responders.JSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

// readyz reports whether the bridge can take new payments: store reachable,
// Lightning node synced, and a fresh rate on hand. Any failure returns 503
// so the balancer drains this instance.
func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checks := map[string]string{}
	ready := true

	if _, err := s.store.GetCursor(ctx, "readyz"); err != nil {
		checks["store"] = err.Error()
		ready = false
	} else {
		checks["store"] = "ok"
	}

	if err := s.node.Healthy(ctx); err != nil {
		checks["lightning"] = err.Error()
		ready = false
	} else {
		checks["lightning"] = "ok"
	}

	if _, err := s.rates.Current(ctx, "BTC/KES"); err != nil {
		checks["rates"] = err.Error()
		ready = false
	} else {
		checks["rates"] = "ok"
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not_ready"
	}
	responders.JSON(w, status, map[string]interface{}{
		"status": state,
		"checks": checks,
	})
}
