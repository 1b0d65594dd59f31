package retrieval

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuongbtq/crop-copilot-be/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildQuery(t *testing.T) {
	tests := []struct {
		name  string
		input domain.Input
		want  string
	}{
		{
			name: "photo with description and crop",
			input: domain.Input{Payload: domain.InputPayload{
				Description: " brown lesions on leaves ",
				Crop:        "tomato",
			}},
			want: "brown lesions on leaves Crop: tomato",
		},
		{
			name: "lab report fields",
			input: domain.Input{Payload: domain.InputPayload{
				LabData: map[string]any{
					"soilPh":   6.1,
					"symptoms": "stunting",
					"crop":     "wheat",
					"zinc":     0.4,
					"boron":    1.2,
				},
			}},
			want: "Lab crop: wheat Symptoms: stunting Soil pH: 6.1 boron: 1.2 zinc: 0.4",
		},
		{
			name:  "empty input",
			input: domain.Input{},
			want:  "crop health issue",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BuildQuery(&tt.input))
		})
	}
}

func TestHTTPEmbedder_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "leaf spots", req["input"])
		assert.Equal(t, "embed-small", req["model"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"embedding":[0.1,0.2,0.3]}]}`))
	}))
	defer srv.Close()

	e := NewHTTPEmbedder(EmbedderConfig{BaseURL: srv.URL + "/", APIKey: "secret", Model: "embed-small"})

	vec, err := e.Embed(context.Background(), "leaf spots")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestHTTPEmbedder_RetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"data":[{"embedding":[1]}]}`))
	}))
	defer srv.Close()

	e := NewHTTPEmbedder(EmbedderConfig{BaseURL: srv.URL, MaxRetries: 2, Timeout: time.Second})

	vec, err := e.Embed(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, []float32{1}, vec)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPEmbedder_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad model", http.StatusBadRequest)
	}))
	defer srv.Close()

	e := NewHTTPEmbedder(EmbedderConfig{BaseURL: srv.URL, MaxRetries: 3})

	_, err := e.Embed(context.Background(), "q")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPEmbedder_EmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	_, err := NewHTTPEmbedder(EmbedderConfig{BaseURL: srv.URL}).Embed(context.Background(), "q")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no embedding returned")
}
