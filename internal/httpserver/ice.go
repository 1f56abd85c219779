package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/pion/webrtc/v4"

	"github.com/converse-chat/relay/internal/config"
	"github.com/converse-chat/relay/internal/turnrest"
)

// iceResponse is the body of GET /ice. The shape matches what browsers feed
// straight into RTCPeerConnection({iceServers: ...}).
type iceResponse struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
	TTLSeconds int64              `json:"ttlSeconds,omitempty"`
}

// ICEHandler serves the ICE server list call clients should use. TURN
// entries are stamped with fresh TURN REST credentials on every request, so
// nothing long-lived ever reaches a client.
func ICEHandler(cfg config.Config, turnCreds *turnrest.Generator, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		servers := make([]webrtc.ICEServer, 0, 2)
		if len(cfg.STUNURLs) > 0 {
			servers = append(servers, webrtc.ICEServer{URLs: cfg.STUNURLs})
		}

		resp := iceResponse{ICEServers: servers}
		if cfg.HasTURN() {
			if turnCreds == nil {
				log.Error("turn urls configured without a credential generator")
				WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "turn credentials unavailable"})
				return
			}
			creds, err := turnCreds.GenerateRandom()
			if err != nil {
				log.Error("mint turn credentials", "err", err)
				WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "turn credentials unavailable"})
				return
			}
			resp.ICEServers = append(resp.ICEServers, webrtc.ICEServer{
				URLs:       cfg.TURNURLs,
				Username:   creds.Username,
				Credential: creds.Credential,
			})
			resp.TTLSeconds = int64(cfg.TURNCredentialTTL.Seconds())
		}

		WriteJSON(w, http.StatusOK, resp)
	})
}
