package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alovak/cardbridge/ledger/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryStore keeps the ledger in process memory. Callers only ever see copies.
type MemoryStore struct {
	mu sync.RWMutex

	holders      []*models.Holder
	cards        []*models.Card
	transactions []*models.Transaction
	withdrawals  []*models.Withdrawal
	challenges   []*models.ThreeDSChallenge
	events       []*models.WebhookEvent

	// deferred holder decisions by external holder id
	deferred map[string]HolderDecision
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{deferred: make(map[string]HolderDecision)}
}

func ensureID(id *string) {
	if *id == "" {
		*id = uuid.NewString()
	}
}

func stamp(created, updated *time.Time) {
	now := time.Now().UTC()
	if created.IsZero() {
		*created = now
	}
	if updated.IsZero() {
		*updated = *created
	}
}

func copyHolder(h *models.Holder) *models.Holder { c := *h; return &c }
func copyCard(c *models.Card) *models.Card       { x := *c; return &x }
func copyTx(t *models.Transaction) *models.Transaction {
	x := *t
	return &x
}
func copyWithdrawal(w *models.Withdrawal) *models.Withdrawal { x := *w; return &x }

func (m *MemoryStore) CreateHolder(_ context.Context, h *models.Holder) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.holders {
		if existing.MerchantOrderNo == h.MerchantOrderNo {
			return fmt.Errorf("holder order %s: %w", h.MerchantOrderNo, ErrConflict)
		}
	}
	ensureID(&h.ID)
	if h.Status == "" {
		h.Status = models.HolderPending
	}
	stamp(&h.CreatedAt, &h.UpdatedAt)
	m.holders = append(m.holders, copyHolder(h))
	return nil
}

func (m *MemoryStore) findHolder(match func(*models.Holder) bool) *models.Holder {
	for _, h := range m.holders {
		if match(h) {
			return h
		}
	}
	return nil
}

func (m *MemoryStore) GetHolder(_ context.Context, id string) (*models.Holder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if h := m.findHolder(func(h *models.Holder) bool { return h.ID == id }); h != nil {
		return copyHolder(h), nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) LatestHolder(_ context.Context, userID string) (*models.Holder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.holders) - 1; i >= 0; i-- {
		if m.holders[i].UserID == userID {
			return copyHolder(m.holders[i]), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListHolders(_ context.Context, f HolderFilter) ([]*models.Holder, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*models.Holder
	for i := len(m.holders) - 1; i >= 0; i-- {
		h := m.holders[i]
		if f.Status != "" && h.Status != f.Status {
			continue
		}
		if f.UserID != "" && h.UserID != f.UserID {
			continue
		}
		matched = append(matched, h)
	}
	total := len(matched)
	start := f.Offset
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	end := start + f.limit()
	if end > total {
		end = total
	}
	out := make([]*models.Holder, 0, end-start)
	for _, h := range matched[start:end] {
		out = append(out, copyHolder(h))
	}
	return out, total, nil
}

func (m *MemoryStore) AttachExternalHolder(_ context.Context, holderID, externalID string) (*models.Holder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.findHolder(func(h *models.Holder) bool { return h.ID == holderID })
	if h == nil {
		return nil, ErrNotFound
	}
	if err := attachExternalHolder(h, externalID); err != nil {
		return nil, err
	}
	if d, ok := m.deferred[externalID]; ok {
		if h.Status == models.HolderSubmitted {
			if err := applyHolderDecision(h, d); err != nil {
				return nil, err
			}
		}
		delete(m.deferred, externalID)
	}
	return copyHolder(h), nil
}

// attachExternalHolder is shared by both stores.
func attachExternalHolder(h *models.Holder, externalID string) error {
	if externalID == "" {
		return fmt.Errorf("external holder id is required: %w", ErrInvalidTransition)
	}
	switch {
	case h.ExternalHolderID == externalID:
		return nil
	case h.ExternalHolderID != "":
		return fmt.Errorf("holder %s already bound to %s: %w", h.ID, h.ExternalHolderID, ErrConflict)
	}
	h.ExternalHolderID = externalID
	if h.Status == models.HolderPending {
		h.Status = models.HolderSubmitted
	}
	h.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ApplyHolderDecision(_ context.Context, d HolderDecision) (*models.Holder, error) {
	if !validDecision(d.Status) {
		return nil, fmt.Errorf("holder status %q: %w", d.Status, ErrInvalidTransition)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var h *models.Holder
	if d.ExternalHolderID != "" {
		h = m.findHolder(func(h *models.Holder) bool { return h.ExternalHolderID == d.ExternalHolderID })
	}
	if h == nil && d.MerchantOrderNo != "" {
		h = m.findHolder(func(h *models.Holder) bool { return h.MerchantOrderNo == d.MerchantOrderNo })
	}
	if h == nil {
		if d.ExternalHolderID == "" {
			return nil, ErrNotFound
		}
		m.deferred[d.ExternalHolderID] = d
		return nil, fmt.Errorf("holder %s: %w", d.ExternalHolderID, ErrDeferred)
	}
	if err := applyHolderDecision(h, d); err != nil {
		return nil, err
	}
	if d.ExternalHolderID != "" {
		delete(m.deferred, d.ExternalHolderID)
	}
	return copyHolder(h), nil
}

func applyHolderDecision(h *models.Holder, d HolderDecision) error {
	if h.ExternalHolderID == "" {
		if err := attachExternalHolder(h, d.ExternalHolderID); err != nil {
			return err
		}
	} else if d.ExternalHolderID != "" && d.ExternalHolderID != h.ExternalHolderID {
		return fmt.Errorf("holder %s bound to %s: %w", h.ID, h.ExternalHolderID, ErrConflict)
	}
	h.Status = d.Status
	h.RejectReason = ""
	if d.Status == models.HolderRejected {
		h.RejectReason = d.Reason
	}
	h.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) CreateCard(_ context.Context, c *models.Card) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.cards {
		if existing.MerchantOrderNo == c.MerchantOrderNo {
			return fmt.Errorf("card order %s: %w", c.MerchantOrderNo, ErrConflict)
		}
		if c.ExternalCardNo != "" && existing.ExternalCardNo == c.ExternalCardNo {
			return fmt.Errorf("card number exists: %w", ErrConflict)
		}
	}
	ensureID(&c.ID)
	if c.Status == "" {
		c.Status = models.CardPending
	}
	stamp(&c.CreatedAt, &c.UpdatedAt)
	if c.StatusChangedAt.IsZero() {
		c.StatusChangedAt = c.CreatedAt
	}
	m.cards = append(m.cards, copyCard(c))
	return nil
}

func (m *MemoryStore) findCard(match func(*models.Card) bool) *models.Card {
	for _, c := range m.cards {
		if match(c) {
			return c
		}
	}
	return nil
}

func (m *MemoryStore) getCard(match func(*models.Card) bool) (*models.Card, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c := m.findCard(match); c != nil {
		return copyCard(c), nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) GetCard(_ context.Context, id string) (*models.Card, error) {
	return m.getCard(func(c *models.Card) bool { return c.ID == id })
}

func (m *MemoryStore) GetCardByOrderNo(_ context.Context, orderNo string) (*models.Card, error) {
	return m.getCard(func(c *models.Card) bool { return c.MerchantOrderNo == orderNo })
}

func (m *MemoryStore) GetCardByExternalNo(_ context.Context, cardNo string) (*models.Card, error) {
	if cardNo == "" {
		return nil, ErrNotFound
	}
	return m.getCard(func(c *models.Card) bool { return c.ExternalCardNo == cardNo })
}

func (m *MemoryStore) ListCards(_ context.Context, userID string) ([]*models.Card, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Card
	for i := len(m.cards) - 1; i >= 0; i-- {
		if m.cards[i].UserID == userID {
			out = append(out, copyCard(m.cards[i]))
		}
	}
	return out, nil
}

func (m *MemoryStore) ConfirmCardIssued(_ context.Context, cardID string, issue CardIssue) (*models.Card, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.findCard(func(c *models.Card) bool { return c.ID == cardID })
	if c == nil {
		return nil, false, ErrNotFound
	}
	if other := m.findCard(func(o *models.Card) bool {
		return o.ID != cardID && issue.ExternalCardNo != "" && o.ExternalCardNo == issue.ExternalCardNo
	}); other != nil {
		return nil, false, fmt.Errorf("card number exists: %w", ErrConflict)
	}
	applied, err := confirmCardIssued(c, issue)
	if err != nil {
		return nil, false, err
	}
	return copyCard(c), applied, nil
}

func confirmCardIssued(c *models.Card, issue CardIssue) (bool, error) {
	if issue.ExternalCardNo == "" {
		return false, fmt.Errorf("external card number is required: %w", ErrInvalidTransition)
	}
	switch {
	case c.ExternalCardNo == issue.ExternalCardNo:
		if c.BIN == "" && issue.BIN != "" {
			c.BIN = issue.BIN
			c.UpdatedAt = time.Now().UTC()
		}
		return false, nil
	case c.ExternalCardNo != "":
		return false, fmt.Errorf("card %s already issued: %w", c.ID, ErrConflict)
	case c.Status != models.CardPending:
		return false, fmt.Errorf("card %s is %s: %w", c.ID, c.Status, ErrInvalidTransition)
	}
	at := issue.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	c.ExternalCardNo = issue.ExternalCardNo
	if issue.BIN != "" {
		c.BIN = issue.BIN
	}
	c.Last4 = issue.Last4
	if c.Last4 == "" && len(issue.ExternalCardNo) >= 4 {
		c.Last4 = issue.ExternalCardNo[len(issue.ExternalCardNo)-4:]
	}
	c.Status = models.CardActive
	c.StatusChangedAt = at
	c.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *MemoryStore) SetCardStatus(_ context.Context, cardID string, status models.CardStatus, at time.Time) (*models.Card, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.findCard(func(c *models.Card) bool { return c.ID == cardID })
	if c == nil {
		return nil, false, ErrNotFound
	}
	applied, err := setCardStatus(c, status, at)
	if err != nil {
		return nil, false, err
	}
	return copyCard(c), applied, nil
}

func setCardStatus(c *models.Card, status models.CardStatus, at time.Time) (bool, error) {
	if !validCardWrite(status) {
		return false, fmt.Errorf("card status %q: %w", status, ErrInvalidTransition)
	}
	if c.ExternalCardNo == "" {
		return false, fmt.Errorf("card %s not issued: %w", c.ID, ErrInvalidTransition)
	}
	if c.Status == models.CardCancelled || at.Before(c.StatusChangedAt) {
		return false, nil
	}
	applied := c.Status != status
	c.Status = status
	c.StatusChangedAt = at
	c.UpdatedAt = time.Now().UTC()
	return applied, nil
}

func (m *MemoryStore) SetCardBalance(_ context.Context, cardID string, balance decimal.Decimal) (*models.Card, error) {
	if balance.IsNegative() {
		return nil, fmt.Errorf("negative balance %s: %w", balance, ErrInvalidTransition)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.findCard(func(c *models.Card) bool { return c.ID == cardID })
	if c == nil {
		return nil, ErrNotFound
	}
	c.AvailableBalance = balance
	c.UpdatedAt = time.Now().UTC()
	return copyCard(c), nil
}

func (m *MemoryStore) insertTx(tx *models.Transaction) error {
	for _, existing := range m.transactions {
		if tx.MerchantOrderNo != "" && existing.MerchantOrderNo == tx.MerchantOrderNo {
			return fmt.Errorf("transaction order %s: %w", tx.MerchantOrderNo, ErrConflict)
		}
		if tx.ExternalTxID != "" && existing.ExternalTxID == tx.ExternalTxID {
			return fmt.Errorf("transaction %s: %w", tx.ExternalTxID, ErrConflict)
		}
	}
	ensureID(&tx.ID)
	if tx.Status == "" {
		tx.Status = models.TxPending
	}
	stamp(&tx.CreatedAt, &tx.UpdatedAt)
	if tx.TransactionTime.IsZero() {
		tx.TransactionTime = tx.CreatedAt
	}
	m.transactions = append(m.transactions, copyTx(tx))
	return nil
}

func (m *MemoryStore) CreateTransaction(_ context.Context, tx *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertTx(tx)
}

func (m *MemoryStore) findTx(match func(*models.Transaction) bool) *models.Transaction {
	for _, t := range m.transactions {
		if match(t) {
			return t
		}
	}
	return nil
}

func (m *MemoryStore) GetTransactionByOrderNo(_ context.Context, orderNo string) (*models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if orderNo == "" {
		return nil, ErrNotFound
	}
	if t := m.findTx(func(t *models.Transaction) bool { return t.MerchantOrderNo == orderNo }); t != nil {
		return copyTx(t), nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) SettleTransaction(_ context.Context, orderNo string, s Settlement) (*models.Transaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.findTx(func(t *models.Transaction) bool { return orderNo != "" && t.MerchantOrderNo == orderNo })
	if t == nil {
		return nil, false, ErrNotFound
	}
	if t.Status == models.TxSuccess {
		return copyTx(t), false, nil
	}
	c := m.findCard(func(c *models.Card) bool { return c.ID == t.CardID })
	if c == nil {
		return nil, false, fmt.Errorf("card %s: %w", t.CardID, ErrNotFound)
	}

	settle(t, s)
	c.AvailableBalance = settledBalance(c.AvailableBalance, t)
	c.UpdatedAt = t.UpdatedAt
	return copyTx(t), true, nil
}

func settle(t *models.Transaction, s Settlement) {
	t.Status = models.TxSuccess
	if s.Fee != nil {
		t.Fee = *s.Fee
	}
	if t.ExternalTxID == "" {
		t.ExternalTxID = s.ExternalTxID
	}
	if !s.At.IsZero() {
		t.TransactionTime = s.At
	}
	t.UpdatedAt = time.Now().UTC()
}

func (m *MemoryStore) FailTransaction(_ context.Context, orderNo, reason string) (*models.Transaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.findTx(func(t *models.Transaction) bool { return orderNo != "" && t.MerchantOrderNo == orderNo })
	if t == nil {
		return nil, false, ErrNotFound
	}
	if t.Status != models.TxPending {
		return copyTx(t), false, nil
	}
	t.Status = models.TxFailed
	if reason != "" {
		t.Description = reason
	}
	t.UpdatedAt = time.Now().UTC()
	return copyTx(t), true, nil
}

func (m *MemoryStore) AppendAuthTransaction(_ context.Context, tx *models.Transaction) (*models.Transaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tx.ExternalTxID != "" {
		if existing := m.findTx(func(t *models.Transaction) bool { return t.ExternalTxID == tx.ExternalTxID }); existing != nil {
			if existing.Status == models.TxPending && tx.Status == models.TxSuccess {
				existing.Status = models.TxSuccess
				existing.UpdatedAt = time.Now().UTC()
			}
			return copyTx(existing), false, nil
		}
	}
	if err := m.insertTx(tx); err != nil {
		return nil, false, err
	}
	return copyTx(tx), true, nil
}

func (m *MemoryStore) ListTransactions(_ context.Context, f TransactionFilter) ([]*models.Transaction, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*models.Transaction
	for i := len(m.transactions) - 1; i >= 0; i-- {
		t := m.transactions[i]
		if f.UserID != "" && t.UserID != f.UserID {
			continue
		}
		if f.CardID != "" && t.CardID != f.CardID {
			continue
		}
		matched = append(matched, t)
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := len(matched)
	start := f.Offset
	if start > total {
		start = total
	}
	end := start + f.limit()
	if end > total {
		end = total
	}
	out := make([]*models.Transaction, 0, end-start)
	for _, t := range matched[start:end] {
		out = append(out, copyTx(t))
	}
	return out, total, nil
}

func (m *MemoryStore) CreateWithdrawal(_ context.Context, w *models.Withdrawal, tx *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.withdrawals {
		if existing.MerchantOrderNo == w.MerchantOrderNo {
			return fmt.Errorf("withdrawal order %s: %w", w.MerchantOrderNo, ErrConflict)
		}
	}
	if tx != nil {
		if err := m.reserve(tx); err != nil {
			return err
		}
		if err := m.insertTx(tx); err != nil {
			return err
		}
	}
	ensureID(&w.ID)
	if w.Status == "" {
		w.Status = models.WithdrawalPending
	}
	stamp(&w.CreatedAt, &w.UpdatedAt)
	m.withdrawals = append(m.withdrawals, copyWithdrawal(w))
	return nil
}

func (m *MemoryStore) reserve(tx *models.Transaction) error {
	c := m.findCard(func(c *models.Card) bool { return c.ID == tx.CardID })
	if c == nil {
		return fmt.Errorf("card %s: %w", tx.CardID, ErrNotFound)
	}
	var pending []*models.Transaction
	for _, t := range m.transactions {
		if t.CardID == c.ID && t.Type == models.TxWithdrawal && t.Status == models.TxPending {
			pending = append(pending, t)
		}
	}
	avail := available(c.AvailableBalance, pending)
	if required := tx.Amount.Add(tx.Fee); avail.LessThan(required) {
		return insufficient(c.ID, avail, required)
	}
	return nil
}

func (m *MemoryStore) GetWithdrawalByOrderNo(_ context.Context, orderNo string) (*models.Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.withdrawals {
		if w.MerchantOrderNo == orderNo {
			return copyWithdrawal(w), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListWithdrawals(_ context.Context, userID string) ([]*models.Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Withdrawal
	for i := len(m.withdrawals) - 1; i >= 0; i-- {
		if m.withdrawals[i].UserID == userID {
			out = append(out, copyWithdrawal(m.withdrawals[i]))
		}
	}
	return out, nil
}

func (m *MemoryStore) AdvanceWithdrawal(_ context.Context, orderNo string, a WithdrawalAdvance) (*models.Withdrawal, bool, error) {
	if a.Status.Rank() < 0 {
		return nil, false, fmt.Errorf("withdrawal status %q: %w", a.Status, ErrInvalidTransition)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range m.withdrawals {
		if w.MerchantOrderNo == orderNo {
			applied := advanceWithdrawal(w, a)
			return copyWithdrawal(w), applied, nil
		}
	}
	return nil, false, ErrNotFound
}

func advanceWithdrawal(w *models.Withdrawal, a WithdrawalAdvance) bool {
	changed := false
	if w.ActivationCode == "" && a.ActivationCode != "" {
		w.ActivationCode = a.ActivationCode
		changed = true
	}
	if w.ExternalOrderNo == "" && a.ExternalOrderNo != "" {
		w.ExternalOrderNo = a.ExternalOrderNo
		changed = true
	}
	applied := !w.Status.Terminal() && a.Status.Rank() > w.Status.Rank()
	if applied {
		w.Status = a.Status
	}
	if applied || changed {
		w.UpdatedAt = time.Now().UTC()
	}
	return applied
}

func (m *MemoryStore) CreateChallenge(_ context.Context, c *models.ThreeDSChallenge) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.challenges {
		if existing.CardNo == c.CardNo && existing.TradeNo == c.TradeNo && existing.Value == c.Value {
			return false, nil
		}
	}
	ensureID(&c.ID)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	x := *c
	m.challenges = append(m.challenges, &x)
	return true, nil
}

func (m *MemoryStore) ConsumeLatestChallenge(_ context.Context, cardNo string, now time.Time) (*models.ThreeDSChallenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *models.ThreeDSChallenge
	for _, c := range m.challenges {
		if c.CardNo != cardNo || c.IsRead || !c.ExpiresAt.After(now) {
			continue
		}
		if latest == nil || !c.CreatedAt.Before(latest.CreatedAt) {
			latest = c
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	latest.IsRead = true
	x := *latest
	return &x, nil
}

func (m *MemoryStore) RecordWebhookEvent(_ context.Context, e *models.WebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ensureID(&e.ID)
	if e.Status == "" {
		e.Status = models.WebhookReceived
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}
	x := *e
	m.events = append(m.events, &x)
	return nil
}

func (m *MemoryStore) FinishWebhookEvent(_ context.Context, id string, status models.WebhookStatus, errMsg string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.events {
		if e.ID == id {
			e.Status = status
			e.ErrorMessage = errMsg
			processed := at
			e.ProcessedAt = &processed
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) GetWebhookEvent(_ context.Context, id string) (*models.WebhookEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.events {
		if e.ID == id {
			x := *e
			return &x, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListWebhookEvents(_ context.Context, limit int) ([]*models.WebhookEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = DefaultListLimit
	}
	var out []*models.WebhookEvent
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		x := *m.events[i]
		out = append(out, &x)
	}
	return out, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

