package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticProviderValidation(t *testing.T) {
	p := NewBearerProvider(map[string]UserInfo{
		"tok-alpha": {Subject: "alice", Roles: []string{"admin"}},
	})

	user, err := p.Validate(context.Background(), "tok-alpha")
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Subject)
	assert.True(t, user.HasRole("admin"))
	assert.False(t, user.HasRole("auditor"))

	_, err = p.Validate(context.Background(), "tok-wrong")
	assert.Error(t, err)

	p.Revoke("tok-alpha")
	_, err = p.Validate(context.Background(), "tok-alpha")
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	bearer := NewBearerProvider(map[string]UserInfo{"tok-1": {Subject: "alice"}})
	apikey := NewAPIKeyProvider(map[string]UserInfo{"key-1": {Subject: "svc-batch"}})
	mw := NewMiddleware(bearer, apikey, nil)

	var seen *UserInfo
	h := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name        string
		headers     map[string]string
		wantStatus  int
		wantSubject string
	}{
		{
			name:        "valid bearer token",
			headers:     map[string]string{"Authorization": "Bearer tok-1"},
			wantStatus:  http.StatusOK,
			wantSubject: "alice",
		},
		{
			name:        "valid api key",
			headers:     map[string]string{APIKeyHeader: "key-1"},
			wantStatus:  http.StatusOK,
			wantSubject: "svc-batch",
		},
		{
			name:       "invalid bearer token",
			headers:    map[string]string{"Authorization": "Bearer nope"},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "malformed authorization header",
			headers:    map[string]string{"Authorization": "Basic dXNlcg=="},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "no credentials",
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodPost, "/rpc", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantSubject != "" {
				require.NotNil(t, seen)
				assert.Equal(t, tt.wantSubject, seen.Subject)
			}
		})
	}
}
