package proxy

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

func TestNewClient_Defaults(t *testing.T) {
	client := NewClient(Config{BaseURL: "http://localhost:8008/"}, nil)

	assert.Equal(t, "http://localhost:8008", client.baseURL)
	assert.Equal(t, 30*time.Second, client.httpClient.Timeout)
	assert.NotNil(t, client.logger)
}

func TestClient_Update(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/update", r.URL.Path)
		json.NewEncoder(w).Encode(UpdateResponse{Updated: true})
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL}, nil)
	require.NoError(t, client.Update(context.Background()))
}

func TestClient_Update_NotUpdated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(UpdateResponse{Updated: false})
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL}, nil)
	err := client.Update(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not update")
}

func TestClient_Restart(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/restart", r.URL.Path)
		assert.Equal(t, "shop", r.URL.Query().Get("app"))
		assert.Equal(t, "feature/cart", r.URL.Query().Get("version"))
		json.NewEncoder(w).Encode(RestartResponse{Started: true})
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL}, nil)
	require.NoError(t, client.Restart(context.Background(), "shop", "feature/cart"))
}

func TestClient_Restart_ErrorDetail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(RestartResponse{Started: false, Error: "port in use"})
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL}, nil)
	err := client.Restart(context.Background(), "shop", "main")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port in use")
	assert.Contains(t, err.Error(), "500")
}

func TestClient_InvalidBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL}, nil)
	err := client.Restart(context.Background(), "shop", "main")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected proxy response")
}

func TestClient_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client := NewClient(Config{BaseURL: url, Timeout: time.Second}, nil)
	err := client.Update(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request to proxy failed")
}
