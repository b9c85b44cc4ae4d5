package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/signtusk/multisigner/pkg/config"
	"github.com/signtusk/multisigner/pkg/store"
)

// openStore connects to Postgres when DATABASE_URL is set and otherwise
// falls back to lite mode: a SQLite file under the data directory.
func openStore(ctx context.Context, cfg *config.Config) (*store.SQLStore, error) {
	if cfg.LiteMode() {
		if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		log.Printf("[multisigner] lite mode: using sqlite under %s", cfg.DataDir)
	}

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	log.Printf("[multisigner] %s: connected", st.Dialect())
	return st, nil
}
