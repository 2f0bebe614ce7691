package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// Open connects to Postgres, retrying the initial ping with linear backoff
// up to attempts times. The pipeline cannot run without its store, so the
// caller treats a final failure as fatal.
func Open(dsn string, attempts int, backoff time.Duration, logger *zap.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}

	if attempts < 1 {
		attempts = 1
	}
	for i := 1; i <= attempts; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = db.PingContext(ctx)
		cancel()
		if err == nil {
			return db, nil
		}
		if i < attempts {
			wait := time.Duration(i) * backoff
			logger.Warn("postgres ping failed, retrying",
				zap.Int("attempt", i),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
			time.Sleep(wait)
		}
	}

	db.Close()
	return nil, fmt.Errorf("failed to reach postgres after %d attempts: %w", attempts, err)
}
