package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS payment_orders (
		reference         TEXT PRIMARY KEY,
		name              TEXT NOT NULL,
		email             TEXT NOT NULL,
		phone             TEXT NOT NULL,
		amount            TEXT NOT NULL,
		currency          TEXT NOT NULL,
		payment_method    TEXT NOT NULL CHECK (payment_method IN ('mobile_money', 'card')),
		provider          TEXT NOT NULL DEFAULT '',
		subscription_type TEXT NOT NULL CHECK (subscription_type IN ('new', 'renew')),
		device_count      INTEGER NOT NULL DEFAULT 1 CHECK (device_count BETWEEN 1 AND 5),
		status            TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'success', 'failed', 'cancelled')),
		transaction_id    TEXT,
		provider_response BLOB,
		created_at        TEXT NOT NULL,
		updated_at        TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_payment_orders_email ON payment_orders (email);`,
	`CREATE INDEX IF NOT EXISTS idx_payment_orders_status ON payment_orders (status);`,
	`CREATE INDEX IF NOT EXISTS idx_payment_orders_created_at ON payment_orders (created_at);`,
}

const sqliteOrderColumns = `reference, name, email, phone, amount, currency, payment_method,
	provider, subscription_type, device_count, status, COALESCE(transaction_id, ''),
	provider_response, created_at, updated_at`

const sqliteInsertOrder = `INTO payment_orders
	(reference, name, email, phone, amount, currency, payment_method, provider,
	 subscription_type, device_count, status, transaction_id, provider_response,
	 created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?)`

// SQLiteRepository is the single-node primary store.
type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// OpenSQLite opens path (":memory:" works for tests) and migrates it.
func OpenSQLite(ctx context.Context, path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// one connection: SQLite has a single writer and ":memory:" is per connection
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	repo := NewSQLiteRepository(db)
	if err := repo.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

func (r *SQLiteRepository) Migrate(ctx context.Context) error {
	for _, stmt := range sqliteMigrations {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}

func (r *SQLiteRepository) Create(ctx context.Context, o *Order) error {
	if _, err := r.db.ExecContext(ctx, `INSERT `+sqliteInsertOrder, sqliteInsertArgs(o)...); err != nil {
		if isSQLiteConstraint(err) {
			return ErrDuplicateOrder
		}
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) CreateIfAbsent(ctx context.Context, o *Order) (bool, error) {
	res, err := r.db.ExecContext(ctx, `INSERT OR IGNORE `+sqliteInsertOrder, sqliteInsertArgs(o)...)
	if err != nil {
		return false, fmt.Errorf("failed to insert order: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (r *SQLiteRepository) Get(ctx context.Context, reference string) (*Order, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sqliteOrderColumns+` FROM payment_orders WHERE reference = ?`,
		reference,
	)
	o, err := scanSQLiteOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	return o, err
}

func (r *SQLiteRepository) UpdateIfPending(ctx context.Context, reference string, upd StatusUpdate) (*Order, error) {
	row := r.db.QueryRowContext(ctx,
		`UPDATE payment_orders
		 SET status = ?,
		     transaction_id = COALESCE(NULLIF(?, ''), transaction_id),
		     updated_at = ?
		 WHERE reference = ? AND status = 'pending'
		 RETURNING `+sqliteOrderColumns,
		string(upd.Status),
		upd.TransactionID,
		formatTime(upd.UpdatedAt),
		reference,
	)

	o, err := scanSQLiteOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := r.Get(ctx, reference); getErr != nil {
			return nil, getErr
		}
		return nil, ErrAlreadyProcessed
	}
	return o, err
}

func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLiteRepository) Close() {
	r.db.Close()
}

func sqliteInsertArgs(o *Order) []any {
	var providerResponse []byte
	if len(o.ProviderResponse) > 0 {
		providerResponse = o.ProviderResponse
	}

	return []any{
		o.Reference, o.Name, o.Email, o.Phone, o.Amount.String(), o.Currency,
		string(o.PaymentMethod), o.Provider, string(o.SubscriptionType),
		o.DeviceCount, string(o.Status), o.TransactionID, providerResponse,
		formatTime(o.CreatedAt), formatTime(o.UpdatedAt),
	}
}

func scanSQLiteOrder(row *sql.Row) (*Order, error) {
	var (
		o                       Order
		amount, method, subType string
		status                  string
		createdAt, updatedAt    string
		providerResponse        []byte
	)

	if err := row.Scan(
		&o.Reference, &o.Name, &o.Email, &o.Phone, &amount, &o.Currency, &method,
		&o.Provider, &subType, &o.DeviceCount, &status, &o.TransactionID,
		&providerResponse, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid stored amount %q: %w", amount, err)
	}
	if o.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("invalid created_at: %w", err)
	}
	if o.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("invalid updated_at: %w", err)
	}

	o.Amount = d
	o.PaymentMethod = Method(method)
	o.SubscriptionType = SubscriptionType(subType)
	o.Status = Status(status)
	o.ProviderResponse = providerResponse
	return &o, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func isSQLiteConstraint(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}
