package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_ErrorIncludesBody(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"nope"}`))
	}))
	defer s.Close()

	c := NewClient(s.URL)
	_, err := c.Connect(context.Background(), ConnectRequest{ClientID: "c"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStatus)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), `"error":"nope"`)
}

func TestClient_MalformedStateBody(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"runtime": [`))
	}))
	defer s.Close()

	_, err := NewClient(s.URL).State(context.Background())
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestClient_TimeoutIsClassified(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer s.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewClient(s.URL).State(ctx)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestClient_SendsIdentityHeaders(t *testing.T) {
	t.Parallel()

	var gotID, gotInstance string
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = r.Header.Get(HeaderClientID)
		gotInstance = r.Header.Get(HeaderClientInstance)
		_ = json.NewEncoder(w).Encode(StateResponse{ServerTimeUnixMs: 42})
	}))
	defer s.Close()

	resp, err := NewClient(s.URL, WithIdentity("kiosk", "inst-1")).State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42.0, resp.ServerTimeUnixMs)
	assert.Equal(t, "kiosk", gotID)
	assert.Equal(t, "inst-1", gotInstance)
}

func TestClient_Healthz(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer s.Close()

	require.NoError(t, NewClient(s.URL+"/").Healthz(context.Background()))
	assert.Error(t, NewClient(s.URL+"/nothing").Healthz(context.Background()))
}
