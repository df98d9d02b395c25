package health

import (
	"encoding/json"
	"net/http"
)

// LiveHandler always reports the process as alive.
func LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	}
}

// ReadyHandler reports the monitor's last known status. It answers 503 when
// any check is unhealthy; degraded checks still count as ready.
func (m *Monitor) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		st := m.Status()
		code := http.StatusOK
		if st.State == Unhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, st)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
