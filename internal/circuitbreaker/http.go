package circuitbreaker

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPClient wraps an http.Client with a breaker. Transport errors and 5xx
// responses count as failures; 4xx responses do not trip the breaker.
type HTTPClient struct {
	client *http.Client
	cb     *Breaker
}

// NewHTTPClient wraps client with a named breaker.
func NewHTTPClient(client *http.Client, name string, logger *zap.Logger) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPClient{
		client: client,
		cb:     New(name, DefaultConfig(), logger),
	}
}

// Do executes the request through the breaker. When a 5xx trips the failure
// accounting the response is still handed back to the caller.
func (h *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := h.cb.Execute(req.Context(), func() error {
		var callErr error
		resp, callErr = h.client.Do(req)
		if callErr != nil {
			return callErr
		}
		if resp.StatusCode >= 500 {
			return &statusError{code: resp.StatusCode}
		}
		return nil
	})
	if _, ok := err.(*statusError); ok {
		return resp, nil
	}
	return resp, err
}

// Open reports whether the breaker currently refuses calls.
func (h *HTTPClient) Open() bool { return h.cb.State() == StateOpen }

type statusError struct{ code int }

func (e *statusError) Error() string { return http.StatusText(e.code) }
