// internal/testutil/memory_store.go
package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/javajoker/accredit-backend/internal/models"
	"github.com/javajoker/accredit-backend/internal/repository"
	"github.com/javajoker/accredit-backend/internal/utils"
)

// MemoryStore is an in-memory repository.Store. Units of work run one at a
// time and a failed unit undoes its own writes, which matches what the
// services can observe from a serializable database.
type MemoryStore struct {
	txMu sync.Mutex
	mu   sync.Mutex
	data memoryData

	// Failure injection. A non-nil error is returned by the next matching
	// call.
	FailTransactionCreate error
	FailBatchCreate       error
	FailTransferCreate    error
}

type memoryData struct {
	transactions map[uuid.UUID]models.Transaction
	ledger       map[uuid.UUID]models.CommissionLedgerEntry
	transfers    map[uuid.UUID]models.Transfer
	discounts    map[uuid.UUID]models.DiscountCode
	batches      map[uuid.UUID]models.CodeBatch
	events       map[string]models.WebhookEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: memoryData{
		transactions: map[uuid.UUID]models.Transaction{},
		ledger:       map[uuid.UUID]models.CommissionLedgerEntry{},
		transfers:    map[uuid.UUID]models.Transfer{},
		discounts:    map[uuid.UUID]models.DiscountCode{},
		batches:      map[uuid.UUID]models.CodeBatch{},
		events:       map[string]models.WebhookEvent{},
	}}
}

func (s *MemoryStore) Transactions() repository.TransactionRepository {
	return memoryTransactions{memoryRepo{s: s}}
}
func (s *MemoryStore) Ledger() repository.LedgerRepository { return memoryLedger{memoryRepo{s: s}} }
func (s *MemoryStore) Transfers() repository.TransferRepository {
	return memoryTransfers{memoryRepo{s: s}}
}
func (s *MemoryStore) Discounts() repository.DiscountRepository {
	return memoryDiscounts{memoryRepo{s: s}}
}
func (s *MemoryStore) Batches() repository.BatchRepository { return memoryBatches{memoryRepo{s: s}} }
func (s *MemoryStore) WebhookEvents() repository.WebhookEventRepository {
	return memoryWebhookEvents{memoryRepo{s: s}}
}

// memoryTx journals every write so an aborted unit can be undone without
// touching writes made outside it.
type memoryTx struct {
	s         *MemoryStore
	undo      []func()
	rollbacks []func()
}

func (t *memoryTx) repo() memoryRepo { return memoryRepo{s: t.s, undo: &t.undo} }

func (t *memoryTx) Transactions() repository.TransactionRepository {
	return memoryTransactions{t.repo()}
}
func (t *memoryTx) Ledger() repository.LedgerRepository { return memoryLedger{t.repo()} }
func (t *memoryTx) Transfers() repository.TransferRepository { return memoryTransfers{t.repo()} }
func (t *memoryTx) Discounts() repository.DiscountRepository { return memoryDiscounts{t.repo()} }
func (t *memoryTx) Batches() repository.BatchRepository { return memoryBatches{t.repo()} }
func (t *memoryTx) WebhookEvents() repository.WebhookEventRepository {
	return memoryWebhookEvents{t.repo()}
}

func (t *memoryTx) OnRollback(fn func()) {
	t.rollbacks = append(t.rollbacks, fn)
}

func (s *MemoryStore) Do(ctx context.Context, fn func(tx repository.Tx) error) (err error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &memoryTx{s: s}
	abort := func() {
		s.mu.Lock()
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		s.mu.Unlock()
		for i := len(tx.rollbacks) - 1; i >= 0; i-- {
			tx.rollbacks[i]()
		}
	}

	defer func() {
		if r := recover(); r != nil {
			abort()
			panic(r)
		}
	}()

	if err = fn(tx); err != nil {
		abort()
	}
	return err
}

type memoryRepo struct {
	s    *MemoryStore
	undo *[]func()
}

// remember journals the current value of m[k]. Callers hold s.mu.
func remember[K comparable, V any](r memoryRepo, m map[K]V, k K) {
	if r.undo == nil {
		return
	}
	prev, existed := m[k]
	*r.undo = append(*r.undo, func() {
		if existed {
			m[k] = prev
		} else {
			delete(m, k)
		}
	})
}

// Seeding and inspection helpers.

func (s *MemoryStore) PutDiscount(d models.DiscountCode) models.DiscountCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	stamp(&d.BaseModel)
	s.data.discounts[d.ID] = d
	return d
}

func (s *MemoryStore) Discount(id uuid.UUID) models.DiscountCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.discounts[id]
}

func (s *MemoryStore) PutTransaction(txn models.Transaction) models.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	stamp(&txn.BaseModel)
	s.data.transactions[txn.ID] = txn
	return txn
}

// PutTransfer keeps a non-zero UpdatedAt so tests can seed stale rows.
func (s *MemoryStore) PutTransfer(t models.Transfer) models.Transfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	updated := t.UpdatedAt
	stamp(&t.BaseModel)
	if !updated.IsZero() {
		t.UpdatedAt = updated
	}
	s.data.transfers[t.ID] = t
	return t
}

func (s *MemoryStore) AllTransactions() []models.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Transaction, 0, len(s.data.transactions))
	for _, t := range s.data.transactions {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *MemoryStore) AllTransfers() []models.Transfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Transfer, 0, len(s.data.transfers))
	for _, t := range s.data.transfers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *MemoryStore) BatchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data.batches)
}

func (s *MemoryStore) LedgerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data.ledger)
}

func (s *MemoryStore) EventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data.events)
}

// Row timestamps follow the wall clock but must be strictly increasing for
// the ordering helpers.
var (
	clockMu sync.Mutex
	clock   time.Time
)

func tick() time.Time {
	clockMu.Lock()
	defer clockMu.Unlock()
	now := time.Now().UTC()
	if !now.After(clock) {
		now = clock.Add(time.Microsecond)
	}
	clock = now
	return clock
}

func stamp(b *models.BaseModel) {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	now := tick()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
}

func takeErr(err *error) error {
	e := *err
	*err = nil
	return e
}

type memoryTransactions struct{ memoryRepo }

func (r memoryTransactions) Create(ctx context.Context, txn *models.Transaction) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := takeErr(&r.s.FailTransactionCreate); err != nil {
		return err
	}
	if ref := txn.ChargeRef(); ref != "" {
		for _, existing := range r.s.data.transactions {
			if existing.ChargeRef() == ref {
				return repository.ErrDuplicate
			}
		}
	}
	stamp(&txn.BaseModel)
	remember(r.memoryRepo, r.s.data.transactions, txn.ID)
	r.s.data.transactions[txn.ID] = *txn
	return nil
}

func (r memoryTransactions) GetByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	txn, ok := r.s.data.transactions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &txn, nil
}

func (r memoryTransactions) GetByChargeRef(ctx context.Context, ref string) (*models.Transaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, txn := range r.s.data.transactions {
		if txn.ChargeRef() == ref {
			return &txn, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r memoryTransactions) Transition(ctx context.Context, id uuid.UUID, from []models.TransactionStatus, change repository.TransactionChange) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	txn, ok := r.s.data.transactions[id]
	if !ok || !containsStatus(from, txn.Status) {
		return false, nil
	}

	at := change.At
	txn.Status = change.To
	switch change.To {
	case models.TransactionStatusCompleted:
		txn.CompletedAt = &at
	case models.TransactionStatusFailed:
		txn.FailedAt = &at
		txn.FailureReason = change.Reason
	case models.TransactionStatusRefunded:
		txn.RefundedAt = &at
		txn.RefundReason = change.Reason
	}
	if change.ReviewedBy != nil {
		reviewer := *change.ReviewedBy
		txn.ReviewedBy = &reviewer
	}
	txn.UpdatedAt = tick()
	remember(r.memoryRepo, r.s.data.transactions, id)
	r.s.data.transactions[id] = txn
	return true, nil
}

func (r memoryTransactions) ListByParty(ctx context.Context, partyID uuid.UUID, params utils.PaginationParams) ([]models.Transaction, int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var matched []models.Transaction
	for _, txn := range r.s.data.transactions {
		if params.Status != "" && string(txn.Status) != params.Status {
			continue
		}
		if txn.PayerID == partyID || txn.PayeeID == partyID {
			matched = append(matched, txn)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := int64(len(matched))
	start := (params.Page - 1) * params.Limit
	if params.Limit <= 0 || start < 0 {
		return matched, total, nil
	}
	if start >= len(matched) {
		return []models.Transaction{}, total, nil
	}
	end := start + params.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

type memoryLedger struct{ memoryRepo }

func (r memoryLedger) Create(ctx context.Context, entry *models.CommissionLedgerEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.data.ledger[entry.TransactionID]; ok {
		return repository.ErrDuplicate
	}
	stamp(&entry.BaseModel)
	remember(r.memoryRepo, r.s.data.ledger, entry.TransactionID)
	r.s.data.ledger[entry.TransactionID] = *entry
	return nil
}

func (r memoryLedger) GetByTransactionID(ctx context.Context, transactionID uuid.UUID) (*models.CommissionLedgerEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	entry, ok := r.s.data.ledger[transactionID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &entry, nil
}

type memoryTransfers struct{ memoryRepo }

func (r memoryTransfers) Create(ctx context.Context, transfer *models.Transfer) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := takeErr(&r.s.FailTransferCreate); err != nil {
		return err
	}
	stamp(&transfer.BaseModel)
	if transfer.Status == "" {
		transfer.Status = models.TransferStatusPending
	}
	remember(r.memoryRepo, r.s.data.transfers, transfer.ID)
	r.s.data.transfers[transfer.ID] = *transfer
	return nil
}

func (r memoryTransfers) GetByID(ctx context.Context, id uuid.UUID) (*models.Transfer, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.data.transfers[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &t, nil
}

func (r memoryTransfers) ListByTransaction(ctx context.Context, transactionID uuid.UUID) ([]models.Transfer, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.Transfer
	for _, t := range r.s.data.transfers {
		if t.TransactionID == transactionID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r memoryTransfers) HasCompleted(ctx context.Context, transactionID uuid.UUID) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.hasCompletedLocked(transactionID, uuid.Nil), nil
}

func (s *MemoryStore) hasCompletedLocked(transactionID, except uuid.UUID) bool {
	for _, t := range s.data.transfers {
		if t.TransactionID == transactionID && t.ID != except && t.Status == models.TransferStatusCompleted {
			return true
		}
	}
	return false
}

func (r memoryTransfers) Transition(ctx context.Context, id uuid.UUID, from []models.TransferStatus, change repository.TransferChange) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.data.transfers[id]
	if !ok || !containsTransferStatus(from, t.Status) {
		return false, nil
	}
	if !change.StaleBefore.IsZero() && !t.UpdatedAt.Before(change.StaleBefore) {
		return false, nil
	}
	// Mirrors the partial unique index on completed transfers.
	if change.To == models.TransferStatusCompleted && r.s.hasCompletedLocked(t.TransactionID, id) {
		return false, repository.ErrDuplicate
	}

	at := change.At
	t.Status = change.To
	switch change.To {
	case models.TransferStatusProcessing:
		t.ProcessedAt = &at
	case models.TransferStatusCompleted:
		t.CompletedAt = &at
	case models.TransferStatusFailed:
		t.FailedAt = &at
	}
	if change.ErrorMessage != nil {
		msg := *change.ErrorMessage
		t.ErrorMessage = &msg
	} else if change.ClearError {
		t.ErrorMessage = nil
	}
	if change.GatewayRef != "" {
		ref := change.GatewayRef
		t.GatewayTransferRef = &ref
	}
	if change.Destination != "" {
		t.DestinationAccount = change.Destination
	}
	if change.IncrementRetry {
		t.RetryCount++
	}
	t.UpdatedAt = tick()
	remember(r.memoryRepo, r.s.data.transfers, id)
	r.s.data.transfers[id] = t
	return true, nil
}

func (r memoryTransfers) ListRetryable(ctx context.Context, maxRetries int, staleBefore time.Time, limit int) ([]models.Transfer, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.Transfer
	for _, t := range r.s.data.transfers {
		if t.RetryCount >= maxRetries {
			continue
		}
		switch t.Status {
		case models.TransferStatusFailed, models.TransferStatusRetrying:
			out = append(out, t)
		case models.TransferStatusProcessing:
			if t.UpdatedAt.Before(staleBefore) {
				out = append(out, t)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memoryDiscounts struct{ memoryRepo }

func (r memoryDiscounts) GetByCode(ctx context.Context, issuerID uuid.UUID, code string) (*models.DiscountCode, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, d := range r.s.data.discounts {
		if d.IssuerID == issuerID && d.Code == code {
			return &d, nil
		}
	}
	return nil, repository.ErrNotFound
}

// LockByID needs no lock of its own: units of work are already serialized.
func (r memoryDiscounts) LockByID(ctx context.Context, id uuid.UUID) (*models.DiscountCode, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.data.discounts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &d, nil
}

func (r memoryDiscounts) IncrementUsed(ctx context.Context, id uuid.UUID, quantity int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.data.discounts[id]
	if !ok {
		return repository.ErrConflict
	}
	if d.DiscountType == models.DiscountTypeQuantityLimited && d.UsedQuantity+quantity > d.TotalQuantity {
		return repository.ErrConflict
	}
	d.UsedQuantity += quantity
	d.UpdatedAt = tick()
	remember(r.memoryRepo, r.s.data.discounts, id)
	r.s.data.discounts[id] = d
	return nil
}

type memoryBatches struct{ memoryRepo }

func (r memoryBatches) Create(ctx context.Context, batch *models.CodeBatch) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := takeErr(&r.s.FailBatchCreate); err != nil {
		return err
	}
	if _, ok := r.s.data.batches[batch.TransactionID]; ok {
		return repository.ErrDuplicate
	}
	stamp(&batch.BaseModel)
	for i := range batch.Codes {
		batch.Codes[i].BatchID = batch.ID
		stamp(&batch.Codes[i].BaseModel)
	}
	stored := *batch
	stored.Codes = append([]models.IssuedCode(nil), batch.Codes...)
	remember(r.memoryRepo, r.s.data.batches, batch.TransactionID)
	r.s.data.batches[batch.TransactionID] = stored
	return nil
}

func (r memoryBatches) GetByTransactionID(ctx context.Context, transactionID uuid.UUID) (*models.CodeBatch, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.data.batches[transactionID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	b.Codes = append([]models.IssuedCode(nil), b.Codes...)
	return &b, nil
}

type memoryWebhookEvents struct{ memoryRepo }

func (r memoryWebhookEvents) Record(ctx context.Context, event *models.WebhookEvent) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := event.Provider + "/" + event.EventID
	if _, ok := r.s.data.events[key]; ok {
		return false, nil
	}
	stamp(&event.BaseModel)
	remember(r.memoryRepo, r.s.data.events, key)
	r.s.data.events[key] = *event
	return true, nil
}

func (r memoryWebhookEvents) MarkProcessed(ctx context.Context, id uuid.UUID, processingError string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for key, e := range r.s.data.events {
		if e.ID == id {
			now := tick()
			e.ProcessedAt = &now
			e.ProcessingError = processingError
			remember(r.memoryRepo, r.s.data.events, key)
			r.s.data.events[key] = e
			return nil
		}
	}
	return repository.ErrNotFound
}

func containsStatus(list []models.TransactionStatus, s models.TransactionStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsTransferStatus(list []models.TransferStatus, s models.TransferStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
