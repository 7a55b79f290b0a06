package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

// liveServer serves a test Server over a real loopback listener so the sync
// client can be exercised end to end.
type liveServer struct {
	t       *testing.T
	BaseURL string
}

func newLiveServer(t *testing.T, opts ...func(*Config)) *liveServer {
	t.Helper()
	srv, _ := newTestServerWithConfig(t, func(cfg *Config) {
		for _, opt := range opts {
			opt(cfg)
		}
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &liveServer{t: t, BaseURL: ts.URL}
}

// post sends a JSON body and decodes a 2xx JSON reply into out.
func (h *liveServer) post(path, token string, in, out any) {
	h.t.Helper()
	body, err := json.Marshal(in)
	if err != nil {
		h.t.Fatalf("encode body: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, h.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		h.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		h.t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(resp.Body)
		h.t.Fatalf("POST %s: %d %s", path, resp.StatusCode, msg)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		h.t.Fatalf("decode %s: %v", path, err)
	}
}

// Register signs up through the public endpoint and returns the new token.
func (h *liveServer) Register(email string) (userID, token string) {
	h.t.Helper()
	var resp registerResponse
	h.post("/v1/register", "", registerRequest{Email: email}, &resp)
	return resp.UserID, resp.Token
}
