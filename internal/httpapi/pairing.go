package httpapi

import (
	"encoding/hex"
	"net/http"

	"github.com/wolfstream/host/internal/pairingstate"
)

// handlePair dispatches the four pairing phases (spec §6 "Wire — Pairing").
func (h *handlers) handlePair(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientIP := clientIPFromRequest(r)

	phase := q.Get("phase")
	switch phase {
	case "getservercert":
		if _, err := hex.DecodeString(firstOr(q, "salt", "")); err != nil {
			writePairingXML(w, http.StatusBadRequest, root{})
			return
		}
	case "clientchallenge", "serverchallengeresp", "clientpairingsecret":
	default:
		writePairingXML(w, http.StatusBadRequest, root{})
		return
	}

	if h.pairing == nil {
		http.Error(w, "pairing not configured", http.StatusServiceUnavailable)
		return
	}

	switch phase {
	case "getservercert":
		h.handleGetServerCert(w, r, q, clientIP)
	case "clientchallenge":
		h.handleClientChallenge(w, q, clientIP)
	case "serverchallengeresp":
		h.handleServerChallengeResp(w, q, clientIP)
	case "clientpairingsecret":
		h.handleClientPairingSecret(w, q, clientIP)
	}
}

func (h *handlers) handleGetServerCert(w http.ResponseWriter, r *http.Request, q map[string][]string, clientIP string) {
	saltHex := firstOr(q, "salt", "")
	clientCertPEM := firstOr(q, "clientcert", "")

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		writePairingXML(w, http.StatusBadRequest, root{})
		return
	}

	hostIP := hostOnly(r.Host)

	hostCertPEM, err := h.pairing.HandleGetServerCert(r.Context(), clientIP, hostIP, salt, clientCertPEM)
	if err != nil {
		h.logger.Printf("[HTTPAPI] getservercert failed for %s: %v", clientIP, err)
		writePairingXML(w, http.StatusOK, root{Paired: intPtr(0)})
		return
	}

	writePairingXML(w, http.StatusOK, root{PlainCert: hex.EncodeToString([]byte(hostCertPEM))})
}

func (h *handlers) handleClientChallenge(w http.ResponseWriter, q map[string][]string, clientIP string) {
	resp, err := h.pairing.HandleClientChallenge(clientIP, firstOr(q, "clientchallenge", ""))
	if err != nil {
		h.logger.Printf("[HTTPAPI] clientchallenge failed for %s: %v", clientIP, err)
		writePairingXML(w, http.StatusOK, root{Paired: intPtr(0)})
		return
	}
	writePairingXML(w, http.StatusOK, root{ChallengeResponse: resp})
}

func (h *handlers) handleServerChallengeResp(w http.ResponseWriter, q map[string][]string, clientIP string) {
	resp, err := h.pairing.HandleServerChallengeResp(clientIP, firstOr(q, "serverchallengeresp", ""))
	if err != nil {
		h.logger.Printf("[HTTPAPI] serverchallengeresp failed for %s: %v", clientIP, err)
		writePairingXML(w, http.StatusOK, root{Paired: intPtr(0)})
		return
	}
	writePairingXML(w, http.StatusOK, root{PairingSecret: resp})
}

func (h *handlers) handleClientPairingSecret(w http.ResponseWriter, q map[string][]string, clientIP string) {
	paired, err := h.pairing.HandleClientPairingSecret(clientIP, firstOr(q, "clientpairingsecret", ""))
	if err != nil {
		if _, ok := err.(pairingstate.PairingFailedError); !ok {
			h.logger.Printf("[HTTPAPI] clientpairingsecret failed for %s: %v", clientIP, err)
		}
		writePairingXML(w, http.StatusOK, root{Paired: intPtr(0)})
		return
	}
	value := 0
	if paired {
		value = 1
	}
	writePairingXML(w, http.StatusOK, root{Paired: intPtr(value)})
}

func firstOr(q map[string][]string, key, fallback string) string {
	if vals, ok := q[key]; ok && len(vals) > 0 {
		return vals[0]
	}
	return fallback
}
