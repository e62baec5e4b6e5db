package http

import (
	"encoding/json"
	"net/http"
)

type healthResponse struct {
	Status string `json:"status"`
}

// Handler возвращает HTTP handler для health check endpoint.
// Без readiness функции всегда отвечает 200 {"status":"ok"};
// с readiness функцией отвечает 503 {"status":"not ready"}, пока она возвращает false.
func Handler(readiness func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := http.StatusOK
		body := healthResponse{Status: "ok"}
		if readiness != nil && !readiness() {
			code = http.StatusServiceUnavailable
			body = healthResponse{Status: "not ready"}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(body)
	}
}
