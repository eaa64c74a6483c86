package orders

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newSQLite(t *testing.T) *SQLiteRepository {
	t.Helper()
	repo, err := OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(repo.Close)
	return repo
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleOrder(ref string) *Order {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	return &Order{
		Reference:        ref,
		Name:             "Jane Doe",
		Email:            "jane@example.com",
		Phone:            "+256772123456",
		Amount:           decimal.RequireFromString("25000"),
		Currency:         "UGX",
		PaymentMethod:    MethodMobileMoney,
		Provider:         "mtn",
		SubscriptionType: SubscriptionNew,
		DeviceCount:      1,
		Status:           StatusPending,
		ProviderResponse: json.RawMessage(`{"success":true}`),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func TestSQLiteRepository_CreateAndGet(t *testing.T) {
	repo := newSQLite(t)
	ctx := context.Background()

	o := sampleOrder("AP-REF-00000001")
	require.NoError(t, repo.Create(ctx, o))

	got, err := repo.Get(ctx, o.Reference)
	require.NoError(t, err)
	require.Equal(t, o.Reference, got.Reference)
	require.True(t, o.Amount.Equal(got.Amount))
	require.Equal(t, StatusPending, got.Status)
	require.Equal(t, MethodMobileMoney, got.PaymentMethod)
	require.JSONEq(t, `{"success":true}`, string(got.ProviderResponse))
	require.True(t, o.CreatedAt.Equal(got.CreatedAt))

	_, err = repo.Get(ctx, "AP-MISSING-0001")
	require.ErrorIs(t, err, ErrOrderNotFound)
}

func TestSQLiteRepository_AmountKeepsScale(t *testing.T) {
	repo := newSQLite(t)
	ctx := context.Background()

	o := sampleOrder("AP-REF-00000002")
	o.Amount = decimal.RequireFromString("1000.125")
	require.NoError(t, repo.Create(ctx, o))

	got, err := repo.Get(ctx, o.Reference)
	require.NoError(t, err)
	require.Equal(t, "1000.125", got.Amount.String())
}

func TestSQLiteRepository_DuplicateReference(t *testing.T) {
	repo := newSQLite(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, sampleOrder("AP-REF-00000002")))
	require.ErrorIs(t, repo.Create(ctx, sampleOrder("AP-REF-00000002")), ErrDuplicateOrder)

	inserted, err := repo.CreateIfAbsent(ctx, sampleOrder("AP-REF-00000002"))
	require.NoError(t, err)
	require.False(t, inserted)

	inserted, err = repo.CreateIfAbsent(ctx, sampleOrder("AP-REF-00000003"))
	require.NoError(t, err)
	require.True(t, inserted)
}

func TestSQLiteRepository_UpdateIfPending(t *testing.T) {
	repo := newSQLite(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, sampleOrder("AP-REF-00000004")))

	updatedAt := time.Date(2026, 10, 1, 12, 5, 0, 0, time.UTC)
	got, err := repo.UpdateIfPending(ctx, "AP-REF-00000004", StatusUpdate{
		Status: StatusSuccess, TransactionID: "TX-1", UpdatedAt: updatedAt,
	})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, got.Status)
	require.Equal(t, "TX-1", got.TransactionID)
	require.True(t, updatedAt.Equal(got.UpdatedAt))

	_, err = repo.UpdateIfPending(ctx, "AP-REF-00000004", StatusUpdate{
		Status: StatusFailed, TransactionID: "TX-2", UpdatedAt: updatedAt.Add(time.Minute),
	})
	require.ErrorIs(t, err, ErrAlreadyProcessed)

	after, err := repo.Get(ctx, "AP-REF-00000004")
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, after.Status)
	require.Equal(t, "TX-1", after.TransactionID)

	_, err = repo.UpdateIfPending(ctx, "AP-MISSING-0002", StatusUpdate{Status: StatusSuccess, UpdatedAt: updatedAt})
	require.ErrorIs(t, err, ErrOrderNotFound)
}

func TestSQLiteRepository_ConcurrentUpdatesHaveOneWinner(t *testing.T) {
	repo := newSQLite(t)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, sampleOrder("AP-REF-00000005")))

	var (
		wins, lost atomic.Int32
		wg         sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.UpdateIfPending(ctx, "AP-REF-00000005", StatusUpdate{Status: StatusSuccess, UpdatedAt: time.Now()})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrAlreadyProcessed):
				lost.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), wins.Load())
	require.Equal(t, int32(9), lost.Load())
}

func TestFileStore_MissingAndEmptyFile(t *testing.T) {
	dir := t.TempDir()

	missing := NewFileStore(filepath.Join(dir, "nope.json"))
	snaps, err := missing.ReadAll()
	require.NoError(t, err)
	require.Empty(t, snaps)

	emptyPath := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(emptyPath, []byte("  \n"), 0o644))
	snaps, err = NewFileStore(emptyPath).ReadAll()
	require.NoError(t, err)
	require.Empty(t, snaps)
}

func TestFileStore_AppendKeepsPriorEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "orders.json")
	fs := NewFileStore(path)

	require.NoError(t, fs.Append(sampleOrder("AP-REF-00000010")))
	require.NoError(t, fs.Append(sampleOrder("AP-REF-00000011")))

	snaps, err := fs.ReadAll()
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	require.Equal(t, "AP-REF-00000010", snaps[0].Reference)
	require.Equal(t, "AP-REF-00000011", snaps[1].Reference)
	require.False(t, snaps[1].CapturedAt.IsZero())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"captured_at"`)
}

func TestFileStore_RefusesToOverwriteCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orders.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"reference":`), 0o644))

	err := NewFileStore(path).Append(sampleOrder("AP-REF-00000012"))
	require.Error(t, err)

	raw, readErr := os.ReadFile(path)
	require.NoError(t, readErr)
	require.Equal(t, `[{"reference":`, string(raw))
}

// failingRepo rejects reads and writes so the store has to fall back.
type failingRepo struct {
	Repository
	err error
}

func (f *failingRepo) Create(context.Context, *Order) error { return f.err }

func (f *failingRepo) Get(context.Context, string) (*Order, error) { return nil, f.err }

func TestStore_PersistPrimary(t *testing.T) {
	repo := newSQLite(t)
	path := filepath.Join(t.TempDir(), "orders.json")
	store := NewStore(repo, NewFileStore(path), quietLogger())

	require.True(t, store.Persist(context.Background(), sampleOrder("AP-REF-00000020")))

	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err), "fallback file should not be written when primary succeeds")
}

func TestStore_PersistFallsBackWhenPrimaryFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orders.json")
	store := NewStore(&failingRepo{err: errors.New("connection refused")}, NewFileStore(path), quietLogger())

	require.True(t, store.Persist(context.Background(), sampleOrder("AP-REF-00000021")))

	snaps, err := NewFileStore(path).ReadAll()
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	require.Equal(t, "AP-REF-00000021", snaps[0].Reference)
}

func TestStore_PersistFailsWhenBothFail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orders.json")
	require.NoError(t, os.WriteFile(path, []byte(`garbage`), 0o644))

	store := NewStore(&failingRepo{err: errors.New("down")}, NewFileStore(path), quietLogger())
	require.False(t, store.Persist(context.Background(), sampleOrder("AP-REF-00000022")))
}

func TestStore_PersistFillsTimestamps(t *testing.T) {
	store := NewStore(newSQLite(t), nil, quietLogger())
	o := sampleOrder("AP-REF-00000023")
	o.CreatedAt, o.UpdatedAt = time.Time{}, time.Time{}

	require.True(t, store.Persist(context.Background(), o))
	require.False(t, o.CreatedAt.IsZero())
	require.Equal(t, o.CreatedAt, o.UpdatedAt)
}

func TestStore_PersistDoesNotFallBackOnDuplicate(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "orders.json")
	store := NewStore(newSQLite(t), NewFileStore(path), quietLogger())

	require.True(t, store.Persist(ctx, sampleOrder("AP-REF-00000024")))
	require.False(t, store.Persist(ctx, sampleOrder("AP-REF-00000024")))

	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err), "a duplicate reference must not reach the fallback file")
}

func TestStore_Exists(t *testing.T) {
	ctx := context.Background()

	t.Run("primary", func(t *testing.T) {
		store := NewStore(newSQLite(t), nil, quietLogger())
		require.True(t, store.Persist(ctx, sampleOrder("AP-REF-00000025")))

		found, err := store.Exists(ctx, "AP-REF-00000025")
		require.NoError(t, err)
		require.True(t, found)

		found, err = store.Exists(ctx, "AP-NEVER-SEEN-2")
		require.NoError(t, err)
		require.False(t, found)
	})

	t.Run("fallback while primary is down", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "orders.json")
		require.NoError(t, NewFileStore(path).Append(sampleOrder("AP-REF-00000026")))
		store := NewStore(&failingRepo{err: errors.New("connection refused")}, NewFileStore(path), quietLogger())

		found, err := store.Exists(ctx, "AP-REF-00000026")
		require.NoError(t, err)
		require.True(t, found)

		found, err = store.Exists(ctx, "AP-NEVER-SEEN-3")
		require.Error(t, err)
		require.False(t, found)
	})
}

func TestStore_IsAlreadyProcessedAndUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewStore(newSQLite(t), nil, quietLogger())
	require.True(t, store.Persist(ctx, sampleOrder("AP-REF-00000030")))

	done, err := store.IsAlreadyProcessed(ctx, "AP-REF-00000030")
	require.NoError(t, err)
	require.False(t, done)

	done, err = store.IsAlreadyProcessed(ctx, "AP-NEVER-SEEN-1")
	require.NoError(t, err)
	require.False(t, done)

	o, err := store.Update(ctx, "AP-REF-00000030", StatusUpdate{Status: StatusCancelled})
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, o.Status)
	require.False(t, o.UpdatedAt.IsZero())

	done, err = store.IsAlreadyProcessed(ctx, "AP-REF-00000030")
	require.NoError(t, err)
	require.True(t, done)

	_, err = store.Update(ctx, "AP-NEVER-SEEN-1", StatusUpdate{Status: StatusSuccess})
	require.ErrorIs(t, err, ErrOrderNotFound)
}

func TestStore_Replay(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "orders.json")
	fallback := NewFileStore(path)
	require.NoError(t, fallback.Append(sampleOrder("AP-REF-00000040")))
	require.NoError(t, fallback.Append(sampleOrder("AP-REF-00000041")))

	repo := newSQLite(t)
	require.NoError(t, repo.Create(ctx, sampleOrder("AP-REF-00000041")))

	store := NewStore(repo, fallback, quietLogger())

	n, err := store.Replay(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = repo.Get(ctx, "AP-REF-00000040")
	require.NoError(t, err)

	n, err = store.Replay(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestParseMethod(t *testing.T) {
	tests := []struct {
		raw  string
		want Method
		ok   bool
	}{
		{"mobile_money", MethodMobileMoney, true},
		{"mobile", MethodMobileMoney, true},
		{"", MethodMobileMoney, true},
		{"CARD", MethodCard, true},
		{"bank", MethodMobileMoney, false},
	}
	for _, tt := range tests {
		got, ok := ParseMethod(tt.raw)
		require.Equal(t, tt.want, got, tt.raw)
		require.Equal(t, tt.ok, ok, tt.raw)
	}
}

func TestParseWebhookStatus(t *testing.T) {
	for raw, want := range map[string]Status{
		"success":   StatusSuccess,
		"Completed": StatusSuccess,
		"failed":    StatusFailed,
		"canceled":  StatusCancelled,
	} {
		got, ok := ParseWebhookStatus(raw)
		require.True(t, ok, raw)
		require.Equal(t, want, got, raw)
	}

	_, ok := ParseWebhookStatus("pending")
	require.False(t, ok)
	_, ok = ParseWebhookStatus("weird")
	require.False(t, ok)
}
