package httpclient

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/robopost/platform/pkg/common/faults"
)

// New creates an HTTP client tuned for outbound calls to content sites and
// publishing platforms.
func New(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// ClassifyStatus turns a non-2xx response into a fault: 429 and 5xx are
// transient (429 carries its Retry-After), anything else is permanent.
func ClassifyStatus(resp *http.Response, body string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err := fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return faults.RetryAfter(err, retryAfter(resp.Header.Get("Retry-After")))
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusRequestTimeout:
		return err
	default:
		return faults.Permanent(err)
	}
}

func retryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		return time.Until(at)
	}
	return 0
}
