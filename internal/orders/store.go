package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Store writes to the primary repository and degrades to the fallback file
// when the primary rejects a write.
type Store struct {
	primary  Repository
	fallback *FileStore
	logger   *slog.Logger
	now      func() time.Time
}

func NewStore(primary Repository, fallback *FileStore, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		now:      time.Now,
	}
}

// Persist reports whether the order landed in either store.
func (s *Store) Persist(ctx context.Context, o *Order) bool {
	now := s.now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}

	err := s.primary.Create(ctx, o)
	if err == nil {
		s.logger.InfoContext(ctx, "order saved", "reference", o.Reference, "status", o.Status)
		return true
	}

	if errors.Is(err, ErrDuplicateOrder) {
		s.logger.ErrorContext(ctx, "order reference already stored", "reference", o.Reference)
		return false
	}

	s.logger.ErrorContext(ctx, "primary order write failed", "reference", o.Reference, "error", err)

	if s.fallback == nil {
		return false
	}
	if ferr := s.fallback.Append(o); ferr != nil {
		s.logger.ErrorContext(ctx, "fallback order write failed",
			"reference", o.Reference, "path", s.fallback.Path(), "error", ferr)
		return false
	}

	s.logger.WarnContext(ctx, "order saved to fallback file", "reference", o.Reference, "path", s.fallback.Path())
	return true
}

func (s *Store) Get(ctx context.Context, reference string) (*Order, error) {
	return s.primary.Get(ctx, reference)
}

// Exists reports whether reference names an order in the primary store or
// in the fallback file. When neither store finds it, any lookup failure is
// returned alongside false.
func (s *Store) Exists(ctx context.Context, reference string) (bool, error) {
	var errs []error

	_, err := s.primary.Get(ctx, reference)
	switch {
	case err == nil:
		return true, nil
	case !errors.Is(err, ErrOrderNotFound):
		errs = append(errs, fmt.Errorf("failed to load order: %w", err))
	}

	if s.fallback != nil {
		found, err := s.fallback.Contains(reference)
		if found {
			return true, nil
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return false, errors.Join(errs...)
}

// IsAlreadyProcessed is true iff the order exists and is no longer pending.
func (s *Store) IsAlreadyProcessed(ctx context.Context, reference string) (bool, error) {
	o, err := s.primary.Get(ctx, reference)
	if errors.Is(err, ErrOrderNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load order: %w", err)
	}
	return o.Status.Terminal(), nil
}

// Update moves a pending order to the status in upd. Only one concurrent
// caller can win; the others get ErrAlreadyProcessed.
func (s *Store) Update(ctx context.Context, reference string, upd StatusUpdate) (*Order, error) {
	if upd.UpdatedAt.IsZero() {
		upd.UpdatedAt = s.now().UTC()
	}

	o, err := s.primary.UpdateIfPending(ctx, reference, upd)
	switch {
	case err == nil:
		return o, nil
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrAlreadyProcessed):
		return nil, err
	default:
		return nil, fmt.Errorf("failed to update order: %w", err)
	}
}

// Replay copies fallback snapshots into the primary store, skipping
// references it already holds. It returns how many were inserted.
func (s *Store) Replay(ctx context.Context) (int, error) {
	if s.fallback == nil {
		return 0, nil
	}

	snapshots, err := s.fallback.ReadAll()
	if err != nil {
		return 0, err
	}

	inserted := 0
	for i := range snapshots {
		o := snapshots[i].Order
		ok, err := s.primary.CreateIfAbsent(ctx, &o)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to replay fallback order", "reference", o.Reference, "error", err)
			continue
		}
		if ok {
			inserted++
			s.logger.InfoContext(ctx, "replayed fallback order", "reference", o.Reference, "status", o.Status)
		}
	}
	return inserted, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.primary.Ping(ctx)
}
