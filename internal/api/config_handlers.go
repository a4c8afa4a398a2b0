package api

import "net/http"

// ClientConfigResponse is what the web client needs at boot.
type ClientConfigResponse struct {
	PublishableKey string `json:"publishableKey"`
}

// ClientConfig serves public client configuration.
// GET /api/config
func ClientConfig(publishableKey string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=300")
		writeJSON(w, r.Context(), http.StatusOK, ClientConfigResponse{PublishableKey: publishableKey})
	}
}
