package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsInternalAndStripInternalName(t *testing.T) {
	assert.True(t, IsInternal("__internal__:count-check"))
	assert.False(t, IsInternal("My Strategy"))
	assert.Equal(t, "count-check", StripInternalName("__internal__:count-check"))
	assert.Equal(t, "My Strategy", StripInternalName("My Strategy"))
	assert.Equal(t, "__internal__:count-check", TagInternalName("__internal__:count-check"))
	assert.Equal(t, "__internal__:count-check", TagInternalName("count-check"))
}

func TestEnsureSessionResolvesOnceAndCaches(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/users/current" {
			atomic.AddInt32(&calls, 1)
			_ = json.NewEncoder(w).Encode(map[string]any{"id": 42})
			return
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"searches": []any{}})
	}))
	defer server.Close()

	c := New(server.URL, WithHTTPClient(server.Client()))
	_, err := c.ListSearches(context.Background(), "gene")
	require.NoError(t, err)

	uid, cerr := c.ensureSession(context.Background())
	require.Nil(t, cerr)
	assert.Equal(t, "42", uid)

	_, err = c.ensureSession(context.Background())
	require.Nil(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCreateStepPostsExpectedBody(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/users/current":
			_ = json.NewEncoder(w).Encode(map[string]any{"id": 7})
		case "/users/7/steps":
			require.Equal(t, http.MethodPost, r.Method)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
			_ = json.NewEncoder(w).Encode(map[string]any{"id": 101})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	c := New(server.URL, WithHTTPClient(server.Client()))
	id, err := c.CreateStep(context.Background(), "GenesByName", map[string]string{"name": "abc"}, "")
	require.NoError(t, err)
	assert.Equal(t, int64(101), id)
	assert.Equal(t, "GenesByName", captured["searchName"])
}

func TestDoSurfacesNonRetryableStatusAsExternalError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"bad input"}`))
	}))
	defer server.Close()

	c := New(server.URL, WithHTTPClient(server.Client()))
	_, err := c.ListRecordTypes(context.Background())
	require.Error(t, err)
}

func TestDoRetriesThenSucceeds(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"recordTypes": []any{map[string]any{"urlSegment": "gene"}}})
	}))
	defer server.Close()

	c := New(server.URL, WithHTTPClient(server.Client()))
	types, err := c.ListRecordTypes(context.Background())
	require.NoError(t, err)
	require.Len(t, types, 1)
	assert.Equal(t, "gene", types[0].URLSegment)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&attempts), int32(2))
}
