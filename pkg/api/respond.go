// Package api is the HTTP surface of the gateway: routing, authentication,
// request-id propagation, and the JSON envelope. Protocol decisions live in
// pkg/gateway; handlers here only translate.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/workweave/draftgate/pkg/gateway"
)

// writeOutcome serializes a gateway outcome. The body already carries
// request_id; the header mirrors it for clients that only read headers.
func writeOutcome(w http.ResponseWriter, out gateway.Outcome) {
	if id, ok := out.Body["request_id"].(string); ok {
		w.Header().Set("X-Request-ID", id)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(out.Status)
	_ = json.NewEncoder(w).Encode(out.Body)
}

// writeError emits the error envelope for failures that never reach the
// gateway (bad JSON, missing auth, wrong method).
func writeError(w http.ResponseWriter, status int, code, reason, requestID string) {
	w.Header().Set("X-Request-ID", requestID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"code":       code,
		"reason":     reason,
		"request_id": requestID,
	})
}
