package app

import (
	"context"
	"fmt"

	"github.com/quebecregistres/extracteur/internal/domain"
)

// Pinger is the minimal surface of a backing store capable of a health
// probe. Both the pgx pool and the blob store client satisfy it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BuildReadinessChecks returns two checks covering every configured
// environment: one across the databases, one across the artifact stores. A
// single unreachable environment makes the process not ready; a worker
// polling a dead environment would burn its polls on claim errors.
func BuildReadinessChecks(dbs, stores map[domain.Environment]Pinger) (dbCheck, storeCheck func(ctx context.Context) error) {
	dbCheck = func(ctx context.Context) error {
		if len(dbs) == 0 {
			return fmt.Errorf("no database configured")
		}
		for env, p := range dbs {
			if err := p.Ping(ctx); err != nil {
				return fmt.Errorf("database %s: %w", env, err)
			}
		}
		return nil
	}
	storeCheck = func(ctx context.Context) error {
		if len(stores) == 0 {
			return fmt.Errorf("no artifact store configured")
		}
		for env, p := range stores {
			if err := p.Ping(ctx); err != nil {
				return fmt.Errorf("artifact store %s: %w", env, err)
			}
		}
		return nil
	}
	return dbCheck, storeCheck
}
