package cmd

import (
	"fmt"
	"strings"

	"github.com/dukex/variance/pkg/persistence"
	"github.com/dukex/variance/pkg/persistence/memory"
	"github.com/dukex/variance/pkg/persistence/redis"
)

// NewPersistence selects the persistence backend from the database URL
// scheme. "redis://" and "rediss://" URLs get the Redis backend; "memory://"
// and everything else fall back to the in-memory store.
func NewPersistence(databaseURL string) persistence.Persistence {
	switch parseProvider(databaseURL) {
	case "redis", "rediss":
		p, err := redis.NewPersistence(databaseURL)
		if err != nil {
			panic(fmt.Errorf("failed to connect to redis: %w", err))
		}

		return p
	default:
		return memory.NewPersistence()
	}
}

func parseProvider(databaseURL string) string {
	provider, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return "memory"
	}

	return provider
}
