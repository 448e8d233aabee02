package voices

import (
	"context"
	"errors"
)

// Voice is one entry in the voice library.
type Voice struct {
	ID         string `json:"voice_id"`
	Name       string `json:"name"`
	SamplePath string `json:"-"`
	Language   string `json:"language,omitempty"`
}

var ErrNotFound = errors.New("voice not found")

// Store resolves voice references to concrete sample paths.
type Store interface {
	// Resolve maps a client-supplied reference to a voice. An empty
	// reference resolves to the library default.
	Resolve(ctx context.Context, ref string) (Voice, error)
	List(ctx context.Context) ([]Voice, error)
	Close() error
}
