package orders

import (
	"context"
	"fmt"
	"strings"
)

// Repository is the primary durable store for orders.
type Repository interface {
	// Create inserts a new order; ErrDuplicateOrder if the reference exists.
	Create(ctx context.Context, o *Order) error
	// CreateIfAbsent inserts unless the reference exists and reports whether it inserted.
	CreateIfAbsent(ctx context.Context, o *Order) (bool, error)
	Get(ctx context.Context, reference string) (*Order, error)
	// UpdateIfPending applies upd only while the order is still pending, in a
	// single statement. It returns ErrOrderNotFound or ErrAlreadyProcessed when
	// nothing changed.
	UpdateIfPending(ctx context.Context, reference string, upd StatusUpdate) (*Order, error)
	Ping(ctx context.Context) error
	Close()
}

const sqliteScheme = "sqlite://"

// OpenRepository picks the backend from the URL scheme: sqlite://<path> for
// SQLite, anything else is handed to pgx.
func OpenRepository(ctx context.Context, databaseURL string) (Repository, error) {
	if path, ok := strings.CutPrefix(databaseURL, sqliteScheme); ok {
		repo, err := OpenSQLite(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return repo, nil
	}

	repo, err := OpenPostgres(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres store: %w", err)
	}
	return repo, nil
}
