package httpx

import (
	"bytes"
	"context"
	"io"
	"net/http"
)

// Forward performs the single outbound call to the backing agent. The
// caller controls the deadline through ctx; a deadline expiry surfaces as
// a context.DeadlineExceeded-wrapped transport error, distinguishable
// from a backend-reported status.
func Forward(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string) (int, []byte, http.Header, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, nil, err
	}
	if len(body) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, resp.Header, err
	}
	return resp.StatusCode, respBody, resp.Header, nil
}
