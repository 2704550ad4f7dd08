package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alovak/cardbridge/ledger/models"
	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// dialect captures the few places where Postgres and SQLite differ.
type dialect struct {
	name      string
	numbered  bool
	forUpdate string
}

var (
	postgresDialect = dialect{name: "postgres", numbered: true, forUpdate: " FOR UPDATE"}
	sqliteDialect   = dialect{name: "sqlite3"}
)

// rebind turns ? placeholders into $N for Postgres.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore is the database-backed ledger. Guarded transitions run inside a
// transaction that locks the affected rows before checking them.
type SQLStore struct {
	db *sql.DB
	d  dialect
}

var _ Store = (*SQLStore)(nil)

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) exec(ctx context.Context, q queryer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.d.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, q queryer, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, s.d.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, q queryer, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, s.d.rebind(query), args...)
}

func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pe *pq.Error
	if errors.As(err, &pe) && pe.Code == "23505" {
		return true
	}
	var pgerr *pgconn.PgError
	if errors.As(err, &pgerr) && pgerr.Code == "23505" {
		return true
	}
	var se sqlite3.Error
	if errors.As(err, &se) && (se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey) {
		return true
	}
	return false
}

func mapWriteErr(err error, what string) error {
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return fmt.Errorf("%s: %w", what, ErrConflict)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func mapReadErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

type scanner interface {
	Scan(dest ...any) error
}

const holderColumns = `id, user_id, merchant_order_no, external_holder_id, identity, status, reject_reason, created_at, updated_at`

func scanHolder(row scanner) (*models.Holder, error) {
	var (
		h        models.Holder
		external sql.NullString
		identity []byte
	)
	if err := row.Scan(&h.ID, &h.UserID, &h.MerchantOrderNo, &external, &identity, &h.Status, &h.RejectReason, &h.CreatedAt, &h.UpdatedAt); err != nil {
		return nil, mapReadErr(err)
	}
	h.ExternalHolderID = external.String
	if len(identity) > 0 {
		if err := json.Unmarshal(identity, &h.Identity); err != nil {
			return nil, fmt.Errorf("decoding identity of holder %s: %w", h.ID, err)
		}
	}
	return &h, nil
}

func (s *SQLStore) CreateHolder(ctx context.Context, h *models.Holder) error {
	ensureID(&h.ID)
	if h.Status == "" {
		h.Status = models.HolderPending
	}
	stamp(&h.CreatedAt, &h.UpdatedAt)
	identity, err := json.Marshal(h.Identity)
	if err != nil {
		return fmt.Errorf("encoding identity: %w", err)
	}
	_, err = s.exec(ctx, s.db, `INSERT INTO holders(`+holderColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		h.ID, h.UserID, h.MerchantOrderNo, nullable(h.ExternalHolderID), string(identity), h.Status, h.RejectReason, h.CreatedAt, h.UpdatedAt)
	return mapWriteErr(err, "insert holder "+h.MerchantOrderNo)
}

func (s *SQLStore) GetHolder(ctx context.Context, id string) (*models.Holder, error) {
	return scanHolder(s.queryRow(ctx, s.db, `SELECT `+holderColumns+` FROM holders WHERE id = ?`, id))
}

func (s *SQLStore) LatestHolder(ctx context.Context, userID string) (*models.Holder, error) {
	return scanHolder(s.queryRow(ctx, s.db, `SELECT `+holderColumns+` FROM holders WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, userID))
}

func (s *SQLStore) updateHolder(ctx context.Context, tx *sql.Tx, h *models.Holder) error {
	_, err := s.exec(ctx, tx, `UPDATE holders SET external_holder_id = ?, status = ?, reject_reason = ?, updated_at = ? WHERE id = ?`,
		nullable(h.ExternalHolderID), h.Status, h.RejectReason, h.UpdatedAt, h.ID)
	return mapWriteErr(err, "update holder "+h.ID)
}

func (s *SQLStore) ListHolders(ctx context.Context, f HolderFilter) ([]*models.Holder, int, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.queryRow(ctx, s.db, `SELECT COUNT(*) FROM holders`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count holders: %w", err)
	}

	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	rows, err := s.query(ctx, s.db, `SELECT `+holderColumns+` FROM holders`+clause+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, f.limit(), offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list holders: %w", err)
	}
	defer rows.Close()

	out := []*models.Holder{}
	for rows.Next() {
		h, err := scanHolder(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, h)
	}
	return out, total, rows.Err()
}

// lockDecisionSlot takes the row lock that serializes decisions and attachment
// for one external holder id, creating an empty slot when none exists. It
// returns the deferred decision held in the slot, if any.
func (s *SQLStore) lockDecisionSlot(ctx context.Context, tx *sql.Tx, externalID string) (models.HolderStatus, string, error) {
	_, err := s.exec(ctx, tx, `INSERT INTO holder_decisions(external_holder_id, status, reason, received_at) VALUES (?, '', '', ?)
		ON CONFLICT (external_holder_id) DO NOTHING`, externalID, time.Now().UTC())
	if err != nil {
		return "", "", fmt.Errorf("holder decision slot %s: %w", externalID, err)
	}
	var status, reason string
	err = s.queryRow(ctx, tx, `SELECT status, reason FROM holder_decisions WHERE external_holder_id = ?`+s.d.forUpdate, externalID).
		Scan(&status, &reason)
	if err != nil {
		return "", "", fmt.Errorf("holder decision slot %s: %w", externalID, err)
	}
	return models.HolderStatus(status), reason, nil
}

func (s *SQLStore) clearDecisionSlot(ctx context.Context, tx *sql.Tx, externalID string) error {
	_, err := s.exec(ctx, tx, `DELETE FROM holder_decisions WHERE external_holder_id = ?`, externalID)
	return mapWriteErr(err, "clear holder decision "+externalID)
}

func (s *SQLStore) AttachExternalHolder(ctx context.Context, holderID, externalID string) (*models.Holder, error) {
	var out *models.Holder
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			deferred models.HolderStatus
			reason   string
		)
		if externalID != "" {
			var err error
			if deferred, reason, err = s.lockDecisionSlot(ctx, tx, externalID); err != nil {
				return err
			}
		}
		h, err := scanHolder(s.queryRow(ctx, tx, `SELECT `+holderColumns+` FROM holders WHERE id = ?`+s.d.forUpdate, holderID))
		if err != nil {
			return err
		}
		before := *h
		if err := attachExternalHolder(h, externalID); err != nil {
			return err
		}
		if deferred != "" && h.Status == models.HolderSubmitted {
			if err := applyHolderDecision(h, HolderDecision{ExternalHolderID: externalID, Status: deferred, Reason: reason}); err != nil {
				return err
			}
		}
		if externalID != "" {
			if err := s.clearDecisionSlot(ctx, tx, externalID); err != nil {
				return err
			}
		}
		out = h
		if before == *h {
			return nil
		}
		return s.updateHolder(ctx, tx, h)
	})
	return out, err
}

func (s *SQLStore) ApplyHolderDecision(ctx context.Context, d HolderDecision) (*models.Holder, error) {
	if !validDecision(d.Status) {
		return nil, fmt.Errorf("holder status %q: %w", d.Status, ErrInvalidTransition)
	}
	var (
		out      *models.Holder
		deferred bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			h   *models.Holder
			err = ErrNotFound
		)
		if d.ExternalHolderID != "" {
			if _, _, err := s.lockDecisionSlot(ctx, tx, d.ExternalHolderID); err != nil {
				return err
			}
			h, err = scanHolder(s.queryRow(ctx, tx, `SELECT `+holderColumns+` FROM holders WHERE external_holder_id = ?`+s.d.forUpdate, d.ExternalHolderID))
		}
		if errors.Is(err, ErrNotFound) && d.MerchantOrderNo != "" {
			h, err = scanHolder(s.queryRow(ctx, tx, `SELECT `+holderColumns+` FROM holders WHERE merchant_order_no = ?`+s.d.forUpdate, d.MerchantOrderNo))
		}
		if errors.Is(err, ErrNotFound) && d.ExternalHolderID != "" {
			_, err := s.exec(ctx, tx, `UPDATE holder_decisions SET status = ?, reason = ?, received_at = ? WHERE external_holder_id = ?`,
				d.Status, d.Reason, time.Now().UTC(), d.ExternalHolderID)
			if err != nil {
				return mapWriteErr(err, "defer holder decision "+d.ExternalHolderID)
			}
			deferred = true
			return nil
		}
		if err != nil {
			return err
		}
		if err := applyHolderDecision(h, d); err != nil {
			return err
		}
		if d.ExternalHolderID != "" {
			if err := s.clearDecisionSlot(ctx, tx, d.ExternalHolderID); err != nil {
				return err
			}
		}
		out = h
		return s.updateHolder(ctx, tx, h)
	})
	if err != nil {
		return nil, err
	}
	if deferred {
		return nil, fmt.Errorf("holder %s: %w", d.ExternalHolderID, ErrDeferred)
	}
	return out, nil
}

const cardColumns = `id, user_id, holder_id, merchant_order_no, external_card_no, bin, last4, card_type_id, card_type_name, status, available_balance, currency, status_changed_at, created_at, updated_at`

func scanCard(row scanner) (*models.Card, error) {
	var (
		c        models.Card
		external sql.NullString
	)
	if err := row.Scan(&c.ID, &c.UserID, &c.HolderID, &c.MerchantOrderNo, &external, &c.BIN, &c.Last4, &c.CardTypeID, &c.CardTypeName,
		&c.Status, &c.AvailableBalance, &c.Currency, &c.StatusChangedAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, mapReadErr(err)
	}
	c.ExternalCardNo = external.String
	return &c, nil
}

func (s *SQLStore) CreateCard(ctx context.Context, c *models.Card) error {
	ensureID(&c.ID)
	if c.Status == "" {
		c.Status = models.CardPending
	}
	stamp(&c.CreatedAt, &c.UpdatedAt)
	if c.StatusChangedAt.IsZero() {
		c.StatusChangedAt = c.CreatedAt
	}
	_, err := s.exec(ctx, s.db, `INSERT INTO cards(`+cardColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.UserID, c.HolderID, c.MerchantOrderNo, nullable(c.ExternalCardNo), c.BIN, c.Last4, c.CardTypeID, c.CardTypeName,
		c.Status, c.AvailableBalance, c.Currency, c.StatusChangedAt, c.CreatedAt, c.UpdatedAt)
	return mapWriteErr(err, "insert card "+c.MerchantOrderNo)
}

func (s *SQLStore) GetCard(ctx context.Context, id string) (*models.Card, error) {
	return scanCard(s.queryRow(ctx, s.db, `SELECT `+cardColumns+` FROM cards WHERE id = ?`, id))
}

func (s *SQLStore) GetCardByOrderNo(ctx context.Context, orderNo string) (*models.Card, error) {
	return scanCard(s.queryRow(ctx, s.db, `SELECT `+cardColumns+` FROM cards WHERE merchant_order_no = ?`, orderNo))
}

func (s *SQLStore) GetCardByExternalNo(ctx context.Context, cardNo string) (*models.Card, error) {
	if cardNo == "" {
		return nil, ErrNotFound
	}
	return scanCard(s.queryRow(ctx, s.db, `SELECT `+cardColumns+` FROM cards WHERE external_card_no = ?`, cardNo))
}

func (s *SQLStore) ListCards(ctx context.Context, userID string) ([]*models.Card, error) {
	rows, err := s.query(ctx, s.db, `SELECT `+cardColumns+` FROM cards WHERE user_id = ? ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLStore) lockCard(ctx context.Context, tx *sql.Tx, cardID string) (*models.Card, error) {
	return scanCard(s.queryRow(ctx, tx, `SELECT `+cardColumns+` FROM cards WHERE id = ?`+s.d.forUpdate, cardID))
}

func (s *SQLStore) updateCard(ctx context.Context, tx *sql.Tx, c *models.Card) error {
	_, err := s.exec(ctx, tx, `UPDATE cards SET external_card_no = ?, bin = ?, last4 = ?, status = ?, available_balance = ?, status_changed_at = ?, updated_at = ? WHERE id = ?`,
		nullable(c.ExternalCardNo), c.BIN, c.Last4, c.Status, c.AvailableBalance, c.StatusChangedAt, c.UpdatedAt, c.ID)
	return mapWriteErr(err, "update card "+c.ID)
}

func (s *SQLStore) ConfirmCardIssued(ctx context.Context, cardID string, issue CardIssue) (*models.Card, bool, error) {
	var (
		out     *models.Card
		applied bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		c, err := s.lockCard(ctx, tx, cardID)
		if err != nil {
			return err
		}
		before := *c
		if applied, err = confirmCardIssued(c, issue); err != nil {
			return err
		}
		out = c
		if before == *c {
			return nil
		}
		return s.updateCard(ctx, tx, c)
	})
	if err != nil {
		return nil, false, err
	}
	return out, applied, nil
}

func (s *SQLStore) SetCardStatus(ctx context.Context, cardID string, status models.CardStatus, at time.Time) (*models.Card, bool, error) {
	var (
		out     *models.Card
		applied bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		c, err := s.lockCard(ctx, tx, cardID)
		if err != nil {
			return err
		}
		before := c.StatusChangedAt
		if applied, err = setCardStatus(c, status, at); err != nil {
			return err
		}
		out = c
		if !applied && c.StatusChangedAt.Equal(before) {
			return nil
		}
		return s.updateCard(ctx, tx, c)
	})
	if err != nil {
		return nil, false, err
	}
	return out, applied, nil
}

func (s *SQLStore) SetCardBalance(ctx context.Context, cardID string, balance decimal.Decimal) (*models.Card, error) {
	if balance.IsNegative() {
		return nil, fmt.Errorf("negative balance %s: %w", balance, ErrInvalidTransition)
	}
	var out *models.Card
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		c, err := s.lockCard(ctx, tx, cardID)
		if err != nil {
			return err
		}
		c.AvailableBalance = balance
		c.UpdatedAt = time.Now().UTC()
		out = c
		return s.updateCard(ctx, tx, c)
	})
	return out, err
}

const txColumns = `id, card_id, user_id, external_tx_id, merchant_order_no, type, amount, fee, currency, status, merchant_name, description, transaction_time, created_at, updated_at`

func scanTx(row scanner) (*models.Transaction, error) {
	var (
		t                 models.Transaction
		external, orderNo sql.NullString
	)
	if err := row.Scan(&t.ID, &t.CardID, &t.UserID, &external, &orderNo, &t.Type, &t.Amount, &t.Fee, &t.Currency, &t.Status,
		&t.MerchantName, &t.Description, &t.TransactionTime, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, mapReadErr(err)
	}
	t.ExternalTxID = external.String
	t.MerchantOrderNo = orderNo.String
	return &t, nil
}

func (s *SQLStore) insertTx(ctx context.Context, q queryer, t *models.Transaction) error {
	ensureID(&t.ID)
	if t.Status == "" {
		t.Status = models.TxPending
	}
	stamp(&t.CreatedAt, &t.UpdatedAt)
	if t.TransactionTime.IsZero() {
		t.TransactionTime = t.CreatedAt
	}
	_, err := s.exec(ctx, q, `INSERT INTO transactions(`+txColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.CardID, t.UserID, nullable(t.ExternalTxID), nullable(t.MerchantOrderNo), t.Type, t.Amount, t.Fee, t.Currency, t.Status,
		t.MerchantName, t.Description, t.TransactionTime, t.CreatedAt, t.UpdatedAt)
	return mapWriteErr(err, "insert transaction")
}

func (s *SQLStore) updateTx(ctx context.Context, tx *sql.Tx, t *models.Transaction) error {
	_, err := s.exec(ctx, tx, `UPDATE transactions SET external_tx_id = ?, fee = ?, status = ?, description = ?, transaction_time = ?, updated_at = ? WHERE id = ?`,
		nullable(t.ExternalTxID), t.Fee, t.Status, t.Description, t.TransactionTime, t.UpdatedAt, t.ID)
	return mapWriteErr(err, "update transaction "+t.ID)
}

func (s *SQLStore) CreateTransaction(ctx context.Context, t *models.Transaction) error {
	return s.insertTx(ctx, s.db, t)
}

func (s *SQLStore) GetTransactionByOrderNo(ctx context.Context, orderNo string) (*models.Transaction, error) {
	if orderNo == "" {
		return nil, ErrNotFound
	}
	return scanTx(s.queryRow(ctx, s.db, `SELECT `+txColumns+` FROM transactions WHERE merchant_order_no = ?`, orderNo))
}

func (s *SQLStore) lockTxByOrderNo(ctx context.Context, tx *sql.Tx, orderNo string) (*models.Transaction, error) {
	if orderNo == "" {
		return nil, ErrNotFound
	}
	return scanTx(s.queryRow(ctx, tx, `SELECT `+txColumns+` FROM transactions WHERE merchant_order_no = ?`+s.d.forUpdate, orderNo))
}

func (s *SQLStore) SettleTransaction(ctx context.Context, orderNo string, st Settlement) (*models.Transaction, bool, error) {
	var (
		out     *models.Transaction
		applied bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		t, err := s.lockTxByOrderNo(ctx, tx, orderNo)
		if err != nil {
			return err
		}
		out = t
		if t.Status == models.TxSuccess {
			return nil
		}
		c, err := s.lockCard(ctx, tx, t.CardID)
		if err != nil {
			return fmt.Errorf("card %s: %w", t.CardID, err)
		}
		settle(t, st)
		if err := s.updateTx(ctx, tx, t); err != nil {
			return err
		}
		c.AvailableBalance = settledBalance(c.AvailableBalance, t)
		c.UpdatedAt = t.UpdatedAt
		if err := s.updateCard(ctx, tx, c); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, applied, nil
}

func (s *SQLStore) FailTransaction(ctx context.Context, orderNo, reason string) (*models.Transaction, bool, error) {
	var (
		out     *models.Transaction
		applied bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		t, err := s.lockTxByOrderNo(ctx, tx, orderNo)
		if err != nil {
			return err
		}
		out = t
		if t.Status != models.TxPending {
			return nil
		}
		t.Status = models.TxFailed
		if reason != "" {
			t.Description = reason
		}
		t.UpdatedAt = time.Now().UTC()
		applied = true
		return s.updateTx(ctx, tx, t)
	})
	if err != nil {
		return nil, false, err
	}
	return out, applied, nil
}

func (s *SQLStore) AppendAuthTransaction(ctx context.Context, t *models.Transaction) (*models.Transaction, bool, error) {
	var (
		out     *models.Transaction
		created bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if t.ExternalTxID != "" {
			existing, err := scanTx(s.queryRow(ctx, tx, `SELECT `+txColumns+` FROM transactions WHERE external_tx_id = ?`+s.d.forUpdate, t.ExternalTxID))
			switch {
			case err == nil:
				out = existing
				if existing.Status == models.TxPending && t.Status == models.TxSuccess {
					existing.Status = models.TxSuccess
					existing.UpdatedAt = time.Now().UTC()
					return s.updateTx(ctx, tx, existing)
				}
				return nil
			case !errors.Is(err, ErrNotFound):
				return err
			}
		}
		if err := s.insertTx(ctx, tx, t); err != nil {
			return err
		}
		x := *t
		out, created = &x, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

func (s *SQLStore) ListTransactions(ctx context.Context, f TransactionFilter) ([]*models.Transaction, int, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.CardID != "" {
		where = append(where, "card_id = ?")
		args = append(args, f.CardID)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.queryRow(ctx, s.db, `SELECT COUNT(*) FROM transactions`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count transactions: %w", err)
	}

	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	rows, err := s.query(ctx, s.db, `SELECT `+txColumns+` FROM transactions`+clause+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, f.limit(), offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	out := []*models.Transaction{}
	for rows.Next() {
		t, err := scanTx(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}

const withdrawalColumns = `id, user_id, card_id, merchant_order_no, external_order_no, amount, fee, currency, status, activation_code, description, created_at, updated_at`

func scanWithdrawal(row scanner) (*models.Withdrawal, error) {
	var w models.Withdrawal
	if err := row.Scan(&w.ID, &w.UserID, &w.CardID, &w.MerchantOrderNo, &w.ExternalOrderNo, &w.Amount, &w.Fee, &w.Currency, &w.Status,
		&w.ActivationCode, &w.Description, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, mapReadErr(err)
	}
	return &w, nil
}

func (s *SQLStore) CreateWithdrawal(ctx context.Context, w *models.Withdrawal, t *models.Transaction) error {
	ensureID(&w.ID)
	if w.Status == "" {
		w.Status = models.WithdrawalPending
	}
	stamp(&w.CreatedAt, &w.UpdatedAt)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if t != nil {
			if err := s.reserve(ctx, tx, t); err != nil {
				return err
			}
		}
		_, err := s.exec(ctx, tx, `INSERT INTO withdrawals(`+withdrawalColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			w.ID, w.UserID, w.CardID, w.MerchantOrderNo, w.ExternalOrderNo, w.Amount, w.Fee, w.Currency, w.Status,
			w.ActivationCode, w.Description, w.CreatedAt, w.UpdatedAt)
		if err := mapWriteErr(err, "insert withdrawal "+w.MerchantOrderNo); err != nil {
			return err
		}
		if t == nil {
			return nil
		}
		return s.insertTx(ctx, tx, t)
	})
}

// reserve locks the card and checks the withdrawal against its balance less the
// pending withdrawals already recorded.
func (s *SQLStore) reserve(ctx context.Context, tx *sql.Tx, t *models.Transaction) error {
	c, err := s.lockCard(ctx, tx, t.CardID)
	if err != nil {
		return fmt.Errorf("card %s: %w", t.CardID, err)
	}
	rows, err := s.query(ctx, tx, `SELECT amount, fee FROM transactions WHERE card_id = ? AND type = ? AND status = ?`,
		c.ID, models.TxWithdrawal, models.TxPending)
	if err != nil {
		return fmt.Errorf("pending withdrawals of card %s: %w", c.ID, err)
	}
	defer rows.Close()

	var pending []*models.Transaction
	for rows.Next() {
		var p models.Transaction
		if err := rows.Scan(&p.Amount, &p.Fee); err != nil {
			return fmt.Errorf("pending withdrawals of card %s: %w", c.ID, err)
		}
		pending = append(pending, &p)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("pending withdrawals of card %s: %w", c.ID, err)
	}
	avail := available(c.AvailableBalance, pending)
	if required := t.Amount.Add(t.Fee); avail.LessThan(required) {
		return insufficient(c.ID, avail, required)
	}
	return nil
}

func (s *SQLStore) GetWithdrawalByOrderNo(ctx context.Context, orderNo string) (*models.Withdrawal, error) {
	return scanWithdrawal(s.queryRow(ctx, s.db, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE merchant_order_no = ?`, orderNo))
}

func (s *SQLStore) ListWithdrawals(ctx context.Context, userID string) ([]*models.Withdrawal, error) {
	rows, err := s.query(ctx, s.db, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE user_id = ? ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *SQLStore) AdvanceWithdrawal(ctx context.Context, orderNo string, a WithdrawalAdvance) (*models.Withdrawal, bool, error) {
	if a.Status.Rank() < 0 {
		return nil, false, fmt.Errorf("withdrawal status %q: %w", a.Status, ErrInvalidTransition)
	}
	var (
		out     *models.Withdrawal
		applied bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		w, err := scanWithdrawal(s.queryRow(ctx, tx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE merchant_order_no = ?`+s.d.forUpdate, orderNo))
		if err != nil {
			return err
		}
		before := *w
		applied = advanceWithdrawal(w, a)
		out = w
		if before == *w {
			return nil
		}
		_, err = s.exec(ctx, tx, `UPDATE withdrawals SET status = ?, activation_code = ?, external_order_no = ?, updated_at = ? WHERE id = ?`,
			w.Status, w.ActivationCode, w.ExternalOrderNo, w.UpdatedAt, w.ID)
		return mapWriteErr(err, "update withdrawal "+w.ID)
	})
	if err != nil {
		return nil, false, err
	}
	return out, applied, nil
}

const challengeColumns = `id, card_no, trade_no, kind, value, is_read, expires_at, created_at`

func scanChallenge(row scanner) (*models.ThreeDSChallenge, error) {
	var c models.ThreeDSChallenge
	if err := row.Scan(&c.ID, &c.CardNo, &c.TradeNo, &c.Kind, &c.Value, &c.IsRead, &c.ExpiresAt, &c.CreatedAt); err != nil {
		return nil, mapReadErr(err)
	}
	return &c, nil
}

func (s *SQLStore) CreateChallenge(ctx context.Context, c *models.ThreeDSChallenge) (bool, error) {
	ensureID(&c.ID)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	res, err := s.exec(ctx, s.db, `INSERT INTO threeds_challenges(`+challengeColumns+`) VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT (card_no, trade_no, value) DO NOTHING`,
		c.ID, c.CardNo, c.TradeNo, c.Kind, c.Value, c.IsRead, c.ExpiresAt, c.CreatedAt)
	if err != nil {
		return false, mapWriteErr(err, "insert challenge")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLStore) ConsumeLatestChallenge(ctx context.Context, cardNo string, now time.Time) (*models.ThreeDSChallenge, error) {
	var out *models.ThreeDSChallenge
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := s.query(ctx, tx, `SELECT `+challengeColumns+` FROM threeds_challenges WHERE card_no = ? AND is_read = ? ORDER BY created_at DESC`+s.d.forUpdate, cardNo, false)
		if err != nil {
			return err
		}
		for rows.Next() {
			c, err := scanChallenge(rows)
			if err != nil {
				rows.Close()
				return err
			}
			if c.ExpiresAt.After(now) {
				out = c
				break
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if out == nil {
			return ErrNotFound
		}
		out.IsRead = true
		_, err = s.exec(ctx, tx, `UPDATE threeds_challenges SET is_read = ? WHERE id = ?`, true, out.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

const eventColumns = `id, category, payload, fingerprint, status, error_message, received_at, processed_at`

func scanEvent(row scanner) (*models.WebhookEvent, error) {
	var (
		e         models.WebhookEvent
		processed sql.NullTime
	)
	if err := row.Scan(&e.ID, &e.Category, &e.Payload, &e.Fingerprint, &e.Status, &e.ErrorMessage, &e.ReceivedAt, &processed); err != nil {
		return nil, mapReadErr(err)
	}
	if processed.Valid {
		t := processed.Time
		e.ProcessedAt = &t
	}
	return &e, nil
}

func (s *SQLStore) RecordWebhookEvent(ctx context.Context, e *models.WebhookEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = models.WebhookReceived
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, s.db, `INSERT INTO webhook_events(`+eventColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		e.ID, e.Category, e.Payload, e.Fingerprint, e.Status, e.ErrorMessage, e.ReceivedAt, nil)
	return mapWriteErr(err, "insert webhook event")
}

func (s *SQLStore) FinishWebhookEvent(ctx context.Context, id string, status models.WebhookStatus, errMsg string, at time.Time) error {
	res, err := s.exec(ctx, s.db, `UPDATE webhook_events SET status = ?, error_message = ?, processed_at = ? WHERE id = ?`, status, errMsg, at, id)
	if err != nil {
		return fmt.Errorf("update webhook event %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) GetWebhookEvent(ctx context.Context, id string) (*models.WebhookEvent, error) {
	return scanEvent(s.queryRow(ctx, s.db, `SELECT `+eventColumns+` FROM webhook_events WHERE id = ?`, id))
}

func (s *SQLStore) ListWebhookEvents(ctx context.Context, limit int) ([]*models.WebhookEvent, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.query(ctx, s.db, `SELECT `+eventColumns+` FROM webhook_events ORDER BY received_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.WebhookEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
