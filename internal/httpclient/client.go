// Package httpclient configures the HTTP client used to call the
// download provider and the feature service.
package httpclient

import (
	"net"
	"net/http"
	"time"
)

// NewOutbound creates the outbound http client. No client-level timeout:
// archive downloads can run for minutes, callers bound requests with
// contexts instead.
func NewOutbound() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Transport: transport}
}
