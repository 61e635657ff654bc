package auth

import (
	"net/http"
	"strings"

	"github.com/streamrpc/streamrpc-go/pkg/logging"
)

// APIKeyHeader carries an API-key credential
const APIKeyHeader = "X-API-Key"

// Middleware authenticates HTTP requests before they reach the endpoint.
// Credentials are taken from the Authorization header (bearer scheme) or
// the X-API-Key header and checked against the configured providers.
type Middleware struct {
	bearer Provider
	apikey Provider
	logger logging.Logger
}

// NewMiddleware creates authentication middleware from providers keyed by
// scheme. A nil provider disables its scheme.
func NewMiddleware(bearer, apikey Provider, logger logging.Logger) *Middleware {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Middleware{
		bearer: bearer,
		apikey: apikey,
		logger: logger.WithFields(logging.String("component", "auth")),
	}
}

// Wrap returns a handler that rejects unauthenticated requests with 401
// and passes the caller's identity down via the request context
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := m.authenticate(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), user)))
	})
}

func (m *Middleware) authenticate(r *http.Request) (*UserInfo, bool) {
	if header := r.Header.Get("Authorization"); header != "" && m.bearer != nil {
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found {
			return nil, false
		}
		user, err := m.bearer.Validate(r.Context(), token)
		if err != nil {
			m.logger.Warn("bearer validation failed", logging.String("remote", r.RemoteAddr))
			return nil, false
		}
		return user, true
	}

	if key := r.Header.Get(APIKeyHeader); key != "" && m.apikey != nil {
		user, err := m.apikey.Validate(r.Context(), key)
		if err != nil {
			m.logger.Warn("api key validation failed", logging.String("remote", r.RemoteAddr))
			return nil, false
		}
		return user, true
	}

	return nil, false
}
