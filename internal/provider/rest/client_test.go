package rest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/conductor/internal/deployment"
	"github.com/mattjoyce/conductor/internal/workflow"
)

// fakeAPI is an in-memory deployment API.
type fakeAPI struct {
	states  map[string]string
	deleted []string
	keys    []string
}

func (f *fakeAPI) router(t *testing.T) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.Header.Get("Authorization") != "Bearer tok" {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Post("/api/activities/{name}", func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		assert.JSONEq(t, `{"size":"small"}`, string(body))
		f.keys = append(f.keys, req.Header.Get(IdempotencyHeader))
		_ = json.NewEncoder(w).Encode(map[string]string{"resource_id": chi.URLParam(req, "name") + "-1"})
	})
	r.Get("/api/deployments/{id}", func(w http.ResponseWriter, req *http.Request) {
		st, ok := f.states[chi.URLParam(req, "id")]
		if !ok {
			http.NotFound(w, req)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"state": st})
	})
	r.Get("/api/deployments/{id}/errors", func(w http.ResponseWriter, req *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"errors": []string{"quota exceeded", "rolled back"}})
	})
	r.Get("/api/deployments/{id}/outputs", func(w http.ResponseWriter, req *http.Request) {
		_, _ = w.Write([]byte(`{"outputs":{"ip":"10.0.0.4"}}`))
	})
	r.Delete("/api/deployments/{id}", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "id")
		if _, ok := f.states[id]; !ok {
			http.NotFound(w, req)
			return
		}
		delete(f.states, id)
		f.deleted = append(f.deleted, id)
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

func newTestClient(t *testing.T, f *fakeAPI, token string) *Client {
	t.Helper()
	srv := httptest.NewServer(f.router(t))
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL + "/api/", Token: token, Timeout: time.Second})
	require.NoError(t, err)
	return c
}

func TestClientLifecycle(t *testing.T) {
	f := &fakeAPI{states: map[string]string{"vm-1": "InProgress"}}
	c := newTestClient(t, f, "tok")
	ctx := context.Background()

	id, err := c.Start(ctx, "vm", json.RawMessage(`{"size":"small"}`))
	require.NoError(t, err)
	assert.Equal(t, "vm-1", id)

	_, err = c.Start(ctx, "vm", json.RawMessage(`{"size":"small"}`))
	require.NoError(t, err)
	require.Len(t, f.keys, 2)
	assert.Equal(t, f.keys[0], f.keys[1])
	assert.Len(t, f.keys[0], 64)

	st, err := c.GetState(ctx, "vm-1")
	require.NoError(t, err)
	assert.Equal(t, deployment.StateRunning, st)

	f.states["vm-1"] = "FAILED"
	st, err = c.GetState(ctx, "vm-1")
	require.NoError(t, err)
	assert.Equal(t, deployment.StateFailed, st)

	msgs, err := c.GetErrors(ctx, "vm-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"quota exceeded", "rolled back"}, msgs)

	out, err := c.GetOutput(ctx, "vm-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ip":"10.0.0.4"}`, string(out))

	require.NoError(t, c.Delete(ctx, "vm-1"))
	require.NoError(t, c.Delete(ctx, "vm-1"), "deleting a missing deployment is not an error")
	assert.Equal(t, []string{"vm-1"}, f.deleted)
}

func TestClientStatusErrors(t *testing.T) {
	f := &fakeAPI{states: map[string]string{}}
	ctx := context.Background()

	_, err := newTestClient(t, f, "wrong").GetState(ctx, "vm-1")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.Code)
	assert.True(t, workflow.IsPermanent(err))

	_, err = newTestClient(t, f, "tok").GetState(ctx, "vm-404")
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Code)
}

func TestClientServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	c, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.GetState(context.Background(), "vm-1")
	require.Error(t, err)
	assert.False(t, workflow.IsPermanent(err))
	assert.Contains(t, err.Error(), "overloaded")
}

func TestNewValidatesBaseURL(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{BaseURL: "ftp://deploy.example"})
	assert.Error(t, err)
}
