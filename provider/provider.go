// Package provider exposes the embedding backends the warm tier depends on.
package provider

import (
	"context"
	"errors"
	"os"
	"time"

	openai_provider "github.com/novamind/recall/provider/openai"
)

// Client identifies an embedding provider implementation.
type Client string

const (
	OpenAI Client = "openai"
)

// Embedder turns text into semantic vectors.
type Embedder interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

// Options carries provider construction settings.
type Options struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// NewEmbedder creates an embedding client for the named provider.
func NewEmbedder(client Client, opts Options) (Embedder, error) {
	switch client {
	case OpenAI:
		apiKey := opts.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		if apiKey == "" {
			return nil, errors.New("OPENAI_API_KEY not set")
		}
		model := opts.Model
		if model == "" {
			model = "text-embedding-3-small"
		}
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		return openai_provider.NewClient(apiKey, opts.BaseURL, model, timeout), nil
	default:
		return nil, errors.New("unsupported embedding provider")
	}
}
