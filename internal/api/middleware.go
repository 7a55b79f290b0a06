package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/marcus/histsync/internal/serverdb"
)

// account is the authenticated caller of a sync endpoint.
type account struct {
	UserID  string
	Email   string
	TokenID string
}

// reqState travels in the request context from traceMiddleware onwards.
// requireAuth fills in acct.
type reqState struct {
	id   string
	log  *slog.Logger
	acct *account
}

type stateKey struct{}

func stateFrom(ctx context.Context) *reqState {
	st, _ := ctx.Value(stateKey{}).(*reqState)
	return st
}

// reqLog is the request-scoped logger, or the default one outside a request.
func reqLog(ctx context.Context) *slog.Logger {
	if st := stateFrom(ctx); st != nil {
		return st.log
	}
	return slog.Default()
}

// accountFrom returns the caller set by requireAuth.
func accountFrom(ctx context.Context) *account {
	if st := stateFrom(ctx); st != nil {
		return st.acct
	}
	return nil
}

type middleware func(http.Handler) http.Handler

// stack wraps h so the first middleware listed sees the request first.
func stack(h http.Handler, mws ...middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// traceMiddleware tags the request with an id, echoed in X-Request-ID and
// attached to every log line for the request.
func traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-ID", id)
		st := &reqState{id: id, log: slog.Default().With("rid", id)}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), stateKey{}, st)))
	})
}

// statusRecorder remembers the status code written through it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// accessMiddleware counts the request in m and writes one access log line
// when it completes.
func accessMiddleware(m *Metrics) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			m.RecordRequest()
			next.ServeHTTP(sr, r)

			switch {
			case sr.status >= 500:
				m.RecordError()
			case sr.status >= 400:
				m.RecordClientError()
			}
			reqLog(r.Context()).Info("req",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sr.status,
				"dur", time.Since(start).String(),
			)
		})
	}
}

// recoverMiddleware turns a handler panic into a 500.
func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				reqLog(r.Context()).Error("panic", "panic", p, "path", r.URL.Path)
				writeError(w, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// bodyLimitMiddleware caps request bodies at n bytes.
func bodyLimitMiddleware(n int64) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, n)
			next.ServeHTTP(w, r)
		})
	}
}

// bearerToken extracts the credential from an "Authorization: Bearer" header.
func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return token, true
}

// requireAuth admits requests carrying a live token with the sync scope.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		secret, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "missing bearer token")
			return
		}

		tok, user, err := s.store.Authenticate(r.Context(), secret)
		switch {
		case errors.Is(err, serverdb.ErrInvalidToken):
			writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid or expired token")
			return
		case err != nil:
			reqLog(r.Context()).Error("authenticate", "err", err)
			writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to verify token")
			return
		case !tok.HasScope(serverdb.ScopeSync):
			writeError(w, http.StatusForbidden, ErrCodeForbidden, "token lacks sync scope")
			return
		}

		acct := &account{UserID: user.ID, Email: user.Email, TokenID: tok.ID}
		ctx := r.Context()
		if st := stateFrom(ctx); st != nil {
			st.acct = acct
			st.log = st.log.With("uid", user.ID)
		} else {
			st = &reqState{log: slog.Default().With("uid", user.ID), acct: acct}
			ctx = context.WithValue(ctx, stateKey{}, st)
		}
		next(w, r.WithContext(ctx))
	}
}
