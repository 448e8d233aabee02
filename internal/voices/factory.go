package voices

import (
	"context"
	"strings"
)

// NewStore creates a postgres-backed library when configured, otherwise an
// in-memory library seeded from the voice directory.
func NewStore(ctx context.Context, databaseURL, voiceDir, defaultID string) (Store, error) {
	if strings.TrimSpace(databaseURL) != "" {
		return NewPostgresStore(ctx, databaseURL, defaultID)
	}
	return NewInMemoryStoreFromDir(voiceDir, defaultID)
}
