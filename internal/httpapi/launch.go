package httpapi

import (
	"fmt"
	"net/http"

	"github.com/wolfstream/host/internal/session"
)

// handleLaunch implements the launch RPC (spec §6 "Wire — Launch"): TLS
// mutual auth identifies the paired client, appid selects the App, and a
// successful call creates a StreamSession and returns its RTSP sessionUrl.
func (h *handlers) handleLaunch(w http.ResponseWriter, r *http.Request) {
	if h.registry == nil {
		http.Error(w, "session registry not configured", http.StatusServiceUnavailable)
		return
	}

	appID := r.URL.Query().Get("appid")
	if appID == "" {
		http.Error(w, "missing appid", http.StatusBadRequest)
		return
	}

	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		http.Error(w, "client certificate required", http.StatusUnauthorized)
		return
	}
	clientCert := r.TLS.PeerCertificates[0]

	sess, err := h.registry.Launch(appID, clientCert, clientIPFromRequest(r))
	if err != nil {
		switch err.(type) {
		case session.UnauthorizedError:
			http.Error(w, err.Error(), http.StatusUnauthorized)
		case session.NotFoundError:
			http.Error(w, err.Error(), http.StatusNotFound)
		case session.ResourceExhaustedError:
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	writeLaunchXML(w, root{
		SessionURL:  fmt.Sprintf("rtsp://%s/session/%d", h.rtspHostname, sess.ID()),
		GameSession: 1,
		VideoPort:   sess.VideoPort(),
		AudioPort:   sess.AudioPort(),
	})
}
