package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
)

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer hs_abc", "hs_abc", true},
		{"bearer hs_abc", "hs_abc", true},
		{"Bearer ", "", false},
		{"Basic dXNlcg==", "", false},
		{"hs_abc", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		got, ok := bearerToken(r)
		if got != tt.want || ok != tt.ok {
			t.Errorf("bearerToken(%q) = %q, %v; want %q, %v", tt.header, got, ok, tt.want, tt.ok)
		}
	}
}

func TestTraceMiddlewareSetsRequestID(t *testing.T) {
	var seen string
	h := traceMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if st := stateFrom(r.Context()); st != nil {
			seen = st.id
		}
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	id := w.Header().Get("X-Request-ID")
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("X-Request-ID %q: %v", id, err)
	}
	if seen != id {
		t.Errorf("handler saw id %q, header has %q", seen, id)
	}
}

func TestRecoverMiddleware(t *testing.T) {
	h := stack(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}), recoverMiddleware, traceMiddleware)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
}

func TestAccessMiddlewareCountsErrors(t *testing.T) {
	m := NewMetrics()
	status := http.StatusOK
	h := accessMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	for _, status = range []int{http.StatusOK, http.StatusNotFound, http.StatusConflict, http.StatusBadGateway} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	}

	snap := m.Snapshot()
	if snap.Requests != 4 || snap.ClientErrors != 2 || snap.ServerErrors != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
}
