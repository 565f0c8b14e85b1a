package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/HyphaGroup/portcullis/internal/fault"
	"github.com/HyphaGroup/portcullis/internal/logger"
)

// API level kinds for client-side failures. Nothing inside the bridge
// produces these.
const (
	kindInvalidRequest = "invalid_request"
	kindRateLimited    = "rate_limited"
)

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// sensitivePatterns flags error text that must never reach a client.
var sensitivePatterns = []string{
	"api_key",
	"token",
	"password",
	"secret",
	"credential",
	"private key",
	"identity",
}

// statusFor maps a fault kind to an HTTP status.
func statusFor(kind fault.Kind) int {
	switch kind {
	case fault.SessionNotFound:
		return http.StatusNotFound
	case fault.SessionBusy:
		return http.StatusConflict
	case fault.SessionClosed:
		return http.StatusGone
	case fault.SpawnFailed, fault.ConnectFailed, fault.ExecFailed,
		fault.HandshakeFailed, fault.ProtocolDecodeError:
		return http.StatusBadGateway
	case fault.PermissionTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// sanitizeMessage returns a client-safe rendering of err. The kind always
// passes through; the message is replaced when it could carry transport
// internals or credential material. Full detail goes to the log only.
func sanitizeMessage(err error) string {
	msg := err.Error()
	lower := strings.ToLower(msg)
	for _, pattern := range sensitivePatterns {
		if strings.Contains(lower, pattern) {
			return "internal configuration error"
		}
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		// The classified message is written for clients; the wrapped
		// cause is not.
		return fe.Message
	}
	if len(msg) < 120 {
		return msg
	}
	return "an unexpected error occurred"
}

// writeError renders err as the structured {kind, message} body.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := fault.KindOf(err)
	status := statusFor(kind)
	if status >= 500 {
		logger.Error("%s %s: %v", r.Method, r.URL.Path, err)
	}
	writeJSON(w, status, errorBody{Kind: string(kind), Message: sanitizeMessage(err)})
}

// writeBadRequest rejects a malformed client request.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Kind: kindInvalidRequest, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
