// Package responders holds small HTTP response helpers shared by the API
// handlers and the webhook ingress.
package responders

import (
	"encoding/json"
	"net/http"
)

// JSON writes payload as an application/json response. HTML escaping is off:
// responses carry BOLT11 invoices and signed receipt payloads that must
// survive byte-for-byte.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}
