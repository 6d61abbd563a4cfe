package source_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/autopilot-sh/autopilot/api/schemas"
	"github.com/autopilot-sh/autopilot/internal/source"
)

func newServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func newClient(t *testing.T, baseURL string) *source.Client {
	t.Helper()
	c, err := source.NewClient(baseURL, 5*time.Second, zaptest.NewLogger(t))
	require.NoError(t, err)
	return c
}

func TestNextFetchesInstruction(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/instruction", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"instruction": {
			"action": "multi_step_navigation",
			"target_url": "https://example.com/settings",
			"session_id": "s-1",
			"steps": [
				{"description": "Open menu", "selector": "#menu"},
				{"description": "Save", "selector": "#save", "critical": true}
			]
		}}`))
	})

	in, err := newClient(t, srv.URL).Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, in)
	assert.Equal(t, "s-1", in.SessionID)
	require.Len(t, in.Steps, 2)
	assert.True(t, in.Steps[1].Critical)
}

func TestNextNothingToDo(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"instruction": null}`))
	})

	in, err := newClient(t, srv.URL).Next(context.Background())
	require.NoError(t, err)
	assert.Nil(t, in)
}

func TestNextErrorsAreFetchErrors(t *testing.T) {
	t.Run("http status", func(t *testing.T) {
		srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		})
		_, err := newClient(t, srv.URL).Next(context.Background())
		require.ErrorIs(t, err, schemas.ErrFetch)
	})

	t.Run("malformed body", func(t *testing.T) {
		srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"instruction": [`))
		})
		_, err := newClient(t, srv.URL).Next(context.Background())
		require.ErrorIs(t, err, schemas.ErrFetch)
	})

	t.Run("invalid instruction", func(t *testing.T) {
		srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"instruction": {"action": "fly", "target_url": "x", "session_id": "s", "steps": []}}`))
		})
		_, err := newClient(t, srv.URL).Next(context.Background())
		require.ErrorIs(t, err, schemas.ErrFetch)
	})

	t.Run("connection refused", func(t *testing.T) {
		srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {})
		srv.Close()
		_, err := newClient(t, srv.URL).Next(context.Background())
		require.ErrorIs(t, err, schemas.ErrFetch)
	})
}

func TestNextHonorsContext(t *testing.T) {
	release := make(chan struct{})
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := newClient(t, srv.URL).Next(ctx)
	require.ErrorIs(t, err, schemas.ErrFetch)
}
