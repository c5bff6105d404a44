package runtime

import (
	"net/http"

	"github.com/drblury/servicebus/internal/runtime/diagnostics"
	"github.com/drblury/servicebus/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/servicebus/internal/runtime/logging"
)

// RegisterHealthHandlers exposes the checker snapshot on port.
func (s *Service) RegisterHealthHandlers(port int) {
	if s.Checker == nil {
		return
	}
	handler := HealthHandler(s.Checker, s.Logger)
	s.RegisterHTTPHandler(port, "/components", handler)
	s.RegisterHTTPHandler(port, "/components/", handler)
}

// HealthHandler serves GET /components with every component and
// GET /components/{name} with one. The status is 200 when everything
// reported is Healthy and 503 otherwise.
func HealthHandler(checker *diagnostics.HealthChecker, log loggingpkg.ServiceLogger) http.Handler {
	log = loggingpkg.OrNop(log)
	mux := http.NewServeMux()

	mux.HandleFunc("GET /components", func(w http.ResponseWriter, r *http.Request) {
		components := checker.GetComponentsHealth()
		status := http.StatusOK
		for _, c := range components {
			if c.Health != diagnostics.Healthy {
				status = http.StatusServiceUnavailable
				break
			}
		}
		writeJSON(w, log, status, components)
	})

	mux.HandleFunc("GET /components/{name}", func(w http.ResponseWriter, r *http.Request) {
		component, ok := checker.Get(r.PathValue("name"))
		if !ok {
			http.NotFound(w, r)
			return
		}
		status := http.StatusOK
		if component.Health != diagnostics.Healthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, log, status, component)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, log loggingpkg.ServiceLogger, status int, body any) {
	payload, err := jsoncodec.Marshal(body)
	if err != nil {
		log.Error("Failed to encode health", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", jsoncodec.ContentType)
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}
