package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS payment_orders (
		reference         VARCHAR(36) PRIMARY KEY,
		name              TEXT NOT NULL,
		email             TEXT NOT NULL,
		phone             TEXT NOT NULL,
		amount            NUMERIC NOT NULL CHECK (amount > 0),
		currency          CHAR(3) NOT NULL,
		payment_method    TEXT NOT NULL CHECK (payment_method IN ('mobile_money', 'card')),
		provider          TEXT NOT NULL DEFAULT '',
		subscription_type TEXT NOT NULL CHECK (subscription_type IN ('new', 'renew')),
		device_count      INTEGER NOT NULL DEFAULT 1 CHECK (device_count BETWEEN 1 AND 5),
		status            TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'success', 'failed', 'cancelled')),
		transaction_id    TEXT,
		provider_response JSONB,
		created_at        TIMESTAMPTZ NOT NULL,
		updated_at        TIMESTAMPTZ NOT NULL
	)`,
	// amounts keep the scale the client sent, as in SQLite
	`ALTER TABLE payment_orders ALTER COLUMN amount TYPE NUMERIC`,
	`CREATE INDEX IF NOT EXISTS idx_payment_orders_email ON payment_orders (email)`,
	`CREATE INDEX IF NOT EXISTS idx_payment_orders_status ON payment_orders (status)`,
	`CREATE INDEX IF NOT EXISTS idx_payment_orders_created_at ON payment_orders (created_at)`,
}

const pgOrderColumns = `reference, name, email, phone, amount::text, currency, payment_method,
	provider, subscription_type, device_count, status, COALESCE(transaction_id, ''),
	provider_response, created_at, updated_at`

const pgInsertOrder = `INSERT INTO payment_orders
	(reference, name, email, phone, amount, currency, payment_method, provider,
	 subscription_type, device_count, status, transaction_id, provider_response,
	 created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULLIF($12, ''), $13, $14, $15)`

type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// OpenPostgres connects, pings and migrates.
func OpenPostgres(ctx context.Context, dbURL string) (*PostgresRepository, error) {
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	repo := NewPostgresRepository(pool)
	if err := repo.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

func (r *PostgresRepository) Migrate(ctx context.Context) error {
	for _, stmt := range postgresMigrations {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}

func (r *PostgresRepository) Create(ctx context.Context, o *Order) error {
	args, err := pgInsertArgs(o)
	if err != nil {
		return err
	}

	if _, err := r.pool.Exec(ctx, pgInsertOrder, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateOrder
		}
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

func (r *PostgresRepository) CreateIfAbsent(ctx context.Context, o *Order) (bool, error) {
	args, err := pgInsertArgs(o)
	if err != nil {
		return false, err
	}

	tag, err := r.pool.Exec(ctx, pgInsertOrder+` ON CONFLICT (reference) DO NOTHING`, args...)
	if err != nil {
		return false, fmt.Errorf("failed to insert order: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepository) Get(ctx context.Context, reference string) (*Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+pgOrderColumns+` FROM payment_orders WHERE reference = $1`,
		reference,
	)
	o, err := scanPgOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	return o, err
}

func (r *PostgresRepository) UpdateIfPending(ctx context.Context, reference string, upd StatusUpdate) (*Order, error) {
	row := r.pool.QueryRow(ctx,
		`UPDATE payment_orders
		 SET status = $2,
		     transaction_id = COALESCE(NULLIF($3, ''), transaction_id),
		     updated_at = $4
		 WHERE reference = $1 AND status = 'pending'
		 RETURNING `+pgOrderColumns,
		reference,
		string(upd.Status),
		upd.TransactionID,
		upd.UpdatedAt,
	)

	o, err := scanPgOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := r.Get(ctx, reference); getErr != nil {
			return nil, getErr
		}
		return nil, ErrAlreadyProcessed
	}
	return o, err
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *PostgresRepository) Close() {
	r.pool.Close()
}

func pgInsertArgs(o *Order) ([]any, error) {
	amount, err := decimalToPgNumeric(o.Amount)
	if err != nil {
		return nil, fmt.Errorf("failed to convert amount: %w", err)
	}

	var providerResponse []byte
	if len(o.ProviderResponse) > 0 {
		providerResponse = o.ProviderResponse
	}

	return []any{
		o.Reference, o.Name, o.Email, o.Phone, amount, o.Currency,
		string(o.PaymentMethod), o.Provider, string(o.SubscriptionType),
		o.DeviceCount, string(o.Status), o.TransactionID, providerResponse,
		o.CreatedAt, o.UpdatedAt,
	}, nil
}

func decimalToPgNumeric(d decimal.Decimal) (pgtype.Numeric, error) {
	num := pgtype.Numeric{}
	err := num.Scan(d.String())
	return num, err
}

func scanPgOrder(row pgx.Row) (*Order, error) {
	var (
		o                       Order
		amount, method, subType string
		status                  string
		providerResponse        []byte
	)

	if err := row.Scan(
		&o.Reference, &o.Name, &o.Email, &o.Phone, &amount, &o.Currency, &method,
		&o.Provider, &subType, &o.DeviceCount, &status, &o.TransactionID,
		&providerResponse, &o.CreatedAt, &o.UpdatedAt,
	); err != nil {
		return nil, err
	}

	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid stored amount %q: %w", amount, err)
	}

	o.Amount = d
	o.PaymentMethod = Method(method)
	o.SubscriptionType = SubscriptionType(subType)
	o.Status = Status(status)
	o.ProviderResponse = providerResponse
	return &o, nil
}
