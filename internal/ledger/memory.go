package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inaiurai/creditcore/internal/models"
)

type refKey struct {
	kind      models.TransactionKind
	reference string
}

// MemoryStore is an in-process Store. Its mutex stands in for the row-level
// atomicity the SQL repository gets from PostgreSQL, so the guarded write
// semantics are identical.
type MemoryStore struct {
	mu       sync.Mutex
	balances map[uuid.UUID]*models.Balance
	txs      []*models.Transaction
	byRef    map[refKey]*models.Transaction
	codes    map[string]*models.OneTimeCode
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[uuid.UUID]*models.Balance),
		byRef:    make(map[refKey]*models.Transaction),
		codes:    make(map[string]*models.OneTimeCode),
		now:      time.Now,
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) EnsureBalance(_ context.Context, o Opening) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.balances[o.UserID]; ok {
		return false, nil
	}
	b := &models.Balance{UserID: o.UserID, UpdatedAt: m.now()}
	if o.Credits > 0 {
		if _, dup := m.byRef[refKey{models.TransactionGrant, o.Reference}]; dup {
			return false, ErrDuplicateReference
		}
		m.appendLocked(b, models.TransactionGrant, o.Reference, o.Credits)
	}
	m.balances[o.UserID] = b
	return true, nil
}

func (m *MemoryStore) GetBalance(_ context.Context, userID uuid.UUID) (*models.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balances[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) FindTransaction(_ context.Context, kind models.TransactionKind, reference string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.byRef[refKey{kind, reference}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) ListTransactions(_ context.Context, userID uuid.UUID) ([]*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Transaction
	for _, tx := range m.txs {
		if tx.UserID == userID {
			cp := *tx
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) Apply(_ context.Context, mut Mutation) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balances[mut.UserID]
	if !ok || b.Credits != mut.ExpectedCredits {
		return nil, ErrConflict
	}
	if _, dup := m.byRef[refKey{mut.Kind, mut.Reference}]; dup {
		return nil, ErrDuplicateReference
	}
	after := b.Credits + mut.Amount
	if after < 0 {
		return nil, fmt.Errorf("apply %s %q: balance would go negative", mut.Kind, mut.Reference)
	}
	return m.appendLocked(b, mut.Kind, mut.Reference, mut.Amount), nil
}

func (m *MemoryStore) Redeem(_ context.Context, r Redemption) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[r.Code]
	if !ok {
		return nil, ErrCodeNotFound
	}
	if !c.Active {
		return nil, ErrCodeAlreadyUsed
	}
	b, ok := m.balances[r.UserID]
	if !ok || b.Credits != r.ExpectedCredits {
		return nil, ErrConflict
	}
	if _, dup := m.byRef[refKey{models.TransactionRedeem, r.Code}]; dup {
		return nil, ErrCodeAlreadyUsed
	}
	now := m.now()
	user := r.UserID
	c.Active = false
	c.UsedBy = &user
	c.UsedAt = &now
	return m.appendLocked(b, models.TransactionRedeem, r.Code, c.GrantAmount), nil
}

func (m *MemoryStore) appendLocked(b *models.Balance, kind models.TransactionKind, reference string, amount int64) *models.Transaction {
	now := m.now()
	tx := &models.Transaction{
		ID:            uuid.New(),
		UserID:        b.UserID,
		Amount:        amount,
		BalanceBefore: b.Credits,
		BalanceAfter:  b.Credits + amount,
		Kind:          kind,
		Reference:     reference,
		CreatedAt:     now,
	}
	b.Credits = tx.BalanceAfter
	b.UpdatedAt = now
	m.txs = append(m.txs, tx)
	m.byRef[refKey{kind, reference}] = tx
	cp := *tx
	return &cp
}

func (m *MemoryStore) GetCode(_ context.Context, code string) (*models.OneTimeCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[code]
	if !ok {
		return nil, ErrCodeNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) CreateCode(_ context.Context, code *models.OneTimeCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.codes[code.Code]; ok {
		return fmt.Errorf("create code %q: %w", code.Code, ErrDuplicateReference)
	}
	cp := *code
	m.codes[code.Code] = &cp
	return nil
}
