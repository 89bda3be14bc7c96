package retrieval

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kalambet/storyqa/internal/config"
	"github.com/kalambet/storyqa/internal/qaerrors"
)

// Open builds the backend named by cfg.Vector.Backend and runs its Setup.
// sqliteDB is used by the sqlite backend and ignored otherwise. The returned
// close function releases backend resources and is never nil.
func Open(ctx context.Context, cfg config.Config, sqliteDB *sql.DB) (VectorStore, func(), error) {
	var (
		store   VectorStore
		closeFn = func() {}
	)

	switch cfg.Vector.Backend {
	case "sqlite":
		if sqliteDB == nil {
			return nil, nil, qaerrors.Errorf(qaerrors.KindConfiguration, "retrieval.open", "sqlite backend needs a database handle")
		}
		store = NewSQLiteStore(sqliteDB, cfg.Retrieval.TopK)
	case "pgvector":
		pg, err := NewPGVectorStore(ctx, cfg.Vector.PostgresDSN, cfg.Embedding.Dimensions, cfg.Retrieval.TopK)
		if err != nil {
			return nil, nil, err
		}
		store, closeFn = pg, pg.Close
	default:
		return nil, nil, qaerrors.New(qaerrors.KindConfiguration, "retrieval.open",
			fmt.Errorf("unknown vector backend %q", cfg.Vector.Backend))
	}

	if err := store.Setup(ctx); err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("setting up %s vector store: %w", cfg.Vector.Backend, err)
	}
	return store, closeFn, nil
}
