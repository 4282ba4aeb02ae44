package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCreateEmbedding(t *testing.T) {
	var gotAuth string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{
				{"object": "embedding", "embedding": []float32{0.1, 0.2}, "index": 0},
				{"object": "embedding", "embedding": []float32{0.3, 0.4}, "index": 1},
			},
		})
	}))
	defer srv.Close()

	c := NewClient("sk-test", srv.URL, "text-embedding-3-small", 5*time.Second)
	vecs, err := c.CreateEmbedding(context.Background(), []string{"alpha", "beta"})
	if err != nil {
		t.Fatalf("create embedding: %v", err)
	}
	if len(vecs) != 2 || len(vecs[0]) != 2 {
		t.Fatalf("unexpected vectors %v", vecs)
	}
	if vecs[1][0] != 0.3 {
		t.Errorf("unexpected second vector %v", vecs[1])
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("unexpected auth header %q", gotAuth)
	}
	if gotBody["model"] != "text-embedding-3-small" {
		t.Errorf("unexpected model %v", gotBody["model"])
	}
}

func TestCreateEmbeddingEmptyInput(t *testing.T) {
	c := NewClient("sk-test", "http://127.0.0.1:0", "m", time.Second)
	vecs, err := c.CreateEmbedding(context.Background(), nil)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if vecs != nil {
		t.Errorf("expected nil vectors, got %v", vecs)
	}
}

func TestCreateEmbeddingNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient("sk-test", srv.URL, "m", time.Second)
	if _, err := c.CreateEmbedding(context.Background(), []string{"x"}); err == nil {
		t.Fatal("expected error for non-200 response")
	}
}
