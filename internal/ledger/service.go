package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/inaiurai/creditcore/internal/models"
)

const (
	defaultMaxAttempts = 3
	bulkGrantParallel  = 8
)

// Service is the only writer of balances and transactions.
type Service interface {
	Grant(ctx context.Context, userID uuid.UUID, amount int64, reference string, kind models.TransactionKind) (*Result, error)
	Charge(ctx context.Context, userID uuid.UUID, amount int64, reference string) (*Result, error)
	Refund(ctx context.Context, userID uuid.UUID, amount int64, reference string) (*Result, error)
	RedeemCode(ctx context.Context, code string, userID uuid.UUID) (*Result, error)
	GetBalance(ctx context.Context, userID uuid.UUID) (*models.Balance, error)
	ListTransactions(ctx context.Context, userID uuid.UUID) ([]*models.Transaction, error)
	BulkGrant(ctx context.Context, grants []GrantInput) []BulkResult
}

// Result is the outcome of a mutation. AlreadyApplied is set when the
// (kind, reference) pair was found and nothing changed.
type Result struct {
	Transaction    *models.Transaction `json:"transaction"`
	Balance        int64               `json:"balance"`
	AlreadyApplied bool                `json:"already_applied"`
}

type GrantInput struct {
	UserID    uuid.UUID              `yaml:"user_id" json:"user_id"`
	Amount    int64                  `yaml:"amount" json:"amount"`
	Reference string                 `yaml:"reference" json:"reference"`
	Kind      models.TransactionKind `yaml:"kind" json:"kind"`
}

type BulkResult struct {
	Input  GrantInput
	Result *Result
	Err    error
}

type Option func(*service)

func WithLogger(l *slog.Logger) Option {
	return func(s *service) { s.log = l }
}

// WithDefaultCredits sets the starting balance granted when a user's row is first created.
func WithDefaultCredits(n int64) Option {
	return func(s *service) { s.defaultCredits = n }
}

func WithMaxAttempts(n int) Option {
	return func(s *service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

type service struct {
	store          Store
	log            *slog.Logger
	defaultCredits int64
	maxAttempts    int
}

func NewService(store Store, opts ...Option) Service {
	s := &service{
		store:       store,
		log:         slog.Default(),
		maxAttempts: defaultMaxAttempts,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

var _ Service = (*service)(nil)

func (s *service) Grant(ctx context.Context, userID uuid.UUID, amount int64, reference string, kind models.TransactionKind) (*Result, error) {
	if kind == "" {
		kind = models.TransactionGrant
	}
	if kind != models.TransactionGrant && kind != models.TransactionRefund {
		return nil, fmt.Errorf("%w: grant kind %q", ErrInvalidInput, kind)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	return s.apply(ctx, userID, kind, reference, amount)
}

func (s *service) Charge(ctx context.Context, userID uuid.UUID, amount int64, reference string) (*Result, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	return s.apply(ctx, userID, models.TransactionCharge, reference, -amount)
}

func (s *service) Refund(ctx context.Context, userID uuid.UUID, amount int64, reference string) (*Result, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	return s.apply(ctx, userID, models.TransactionRefund, reference, amount)
}

func (s *service) RedeemCode(ctx context.Context, code string, userID uuid.UUID) (*Result, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: empty code", ErrInvalidInput)
	}
	if err := s.ensure(ctx, userID); err != nil {
		return nil, err
	}
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		bal, err := s.store.GetBalance(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("read balance: %w", err)
		}
		tx, err := s.store.Redeem(ctx, Redemption{Code: code, UserID: userID, ExpectedCredits: bal.Credits})
		switch {
		case err == nil:
			s.log.Info("code redeemed", "user_id", userID, "code", code, "amount", tx.Amount)
			return &Result{Transaction: tx, Balance: tx.BalanceAfter}, nil
		case errors.Is(err, ErrConflict):
			s.log.Debug("redeem lost balance race, retrying", "user_id", userID, "attempt", attempt)
			continue
		default:
			return nil, err
		}
	}
	s.log.Warn("redeem contention", "user_id", userID, "code", code)
	return nil, ErrContention
}

func (s *service) GetBalance(ctx context.Context, userID uuid.UUID) (*models.Balance, error) {
	if err := s.ensure(ctx, userID); err != nil {
		return nil, err
	}
	return s.store.GetBalance(ctx, userID)
}

func (s *service) ListTransactions(ctx context.Context, userID uuid.UUID) ([]*models.Transaction, error) {
	return s.store.ListTransactions(ctx, userID)
}

// BulkGrant runs one Grant per input. Failures are reported per item.
func (s *service) BulkGrant(ctx context.Context, grants []GrantInput) []BulkResult {
	out := make([]BulkResult, len(grants))
	var g errgroup.Group
	g.SetLimit(bulkGrantParallel)
	for i, in := range grants {
		g.Go(func() error {
			res, err := s.Grant(ctx, in.UserID, in.Amount, in.Reference, in.Kind)
			out[i] = BulkResult{Input: in, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// apply is the compare-and-swap loop shared by grant, charge and refund.
// A negative amount is a debit and is refused when it exceeds the balance.
func (s *service) apply(ctx context.Context, userID uuid.UUID, kind models.TransactionKind, reference string, amount int64) (*Result, error) {
	if reference == "" {
		return nil, fmt.Errorf("%w: empty reference", ErrInvalidInput)
	}
	if err := s.ensure(ctx, userID); err != nil {
		return nil, err
	}
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if res, err := s.existing(ctx, userID, kind, reference); res != nil || err != nil {
			return res, err
		}
		bal, err := s.store.GetBalance(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("read balance: %w", err)
		}
		if amount < 0 && bal.Credits < -amount {
			return nil, &InsufficientFundsError{Balance: bal.Credits, Deficit: -amount - bal.Credits}
		}
		tx, err := s.store.Apply(ctx, Mutation{
			UserID:          userID,
			Kind:            kind,
			Reference:       reference,
			Amount:          amount,
			ExpectedCredits: bal.Credits,
		})
		switch {
		case err == nil:
			s.log.Debug("ledger mutation applied",
				"user_id", userID, "kind", kind, "reference", reference, "amount", amount, "balance", tx.BalanceAfter)
			return &Result{Transaction: tx, Balance: tx.BalanceAfter}, nil
		case errors.Is(err, ErrDuplicateReference):
			res, err := s.existing(ctx, userID, kind, reference)
			if err != nil {
				return nil, err
			}
			if res == nil {
				return nil, fmt.Errorf("apply %s %q: duplicate reported but not found", kind, reference)
			}
			return res, nil
		case errors.Is(err, ErrConflict):
			s.log.Debug("ledger lost balance race, retrying",
				"user_id", userID, "kind", kind, "reference", reference, "attempt", attempt)
			continue
		default:
			return nil, fmt.Errorf("apply %s: %w", kind, err)
		}
	}
	s.log.Warn("ledger contention", "user_id", userID, "kind", kind, "reference", reference)
	return nil, ErrContention
}

func (s *service) existing(ctx context.Context, userID uuid.UUID, kind models.TransactionKind, reference string) (*Result, error) {
	tx, err := s.store.FindTransaction(ctx, kind, reference)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find transaction: %w", err)
	}
	if tx.UserID != userID {
		return nil, ErrReferenceInUse
	}
	bal, err := s.store.GetBalance(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}
	return &Result{Transaction: tx, Balance: bal.Credits, AlreadyApplied: true}, nil
}

// ensure opens the balance row on first touch. The starting credits are
// written as the signup grant in the same store call.
func (s *service) ensure(ctx context.Context, userID uuid.UUID) error {
	if userID == uuid.Nil {
		return fmt.Errorf("%w: missing user id", ErrInvalidInput)
	}
	created, err := s.store.EnsureBalance(ctx, Opening{
		UserID:    userID,
		Credits:   s.defaultCredits,
		Reference: signupReference(userID),
	})
	if err != nil {
		return fmt.Errorf("ensure balance: %w", err)
	}
	if created {
		s.log.Debug("balance opened", "user_id", userID, "credits", s.defaultCredits)
	}
	return nil
}

func signupReference(userID uuid.UUID) string {
	return "signup:" + userID.String()
}
