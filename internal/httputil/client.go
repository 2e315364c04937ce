// Package httputil provides the shared HTTP client used by the Daraja
// adapter and the rate feed pollers.
package httputil

import (
	"net/http"
	"time"
)

// NewClient builds a client with a hard request timeout and a pooled
// transport. Both upstreams are hit on every transaction, so idle
// connections are kept warm.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			ForceAttemptHTTP2:   true,
		},
	}
}
