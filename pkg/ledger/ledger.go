// Package ledger implements atomic per-(user, currency) balance operations
// (spec §4.1). All operations on a given wallet serialize through a
// per-wallet critical section; a multi-wallet atomic group acquires wallet
// locks in a total order derived from (user_id, currency_id) to prevent
// deadlock (spec §5).
package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kaionx/exchange/pkg/apperr"
	"github.com/kaionx/exchange/pkg/model"
	"github.com/kaionx/exchange/pkg/money"
)

// WalletKey identifies a wallet's critical section.
type WalletKey struct {
	UserID     uuid.UUID
	CurrencyID uuid.UUID
}

func (k WalletKey) less(other WalletKey) bool {
	if k.UserID != other.UserID {
		return k.UserID.String() < other.UserID.String()
	}
	return k.CurrencyID.String() < other.CurrencyID.String()
}

type Ledger struct {
	db  *gorm.DB
	log *zap.SugaredLogger

	mu    sync.Mutex // guards locks map
	locks map[WalletKey]*sync.Mutex
}

func New(db *gorm.DB, log *zap.SugaredLogger) *Ledger {
	return &Ledger{db: db, log: log, locks: make(map[WalletKey]*sync.Mutex)}
}

func (l *Ledger) lockFor(k WalletKey) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[k]
	if !ok {
		m = &sync.Mutex{}
		l.locks[k] = m
	}
	return m
}

// acquire locks the given wallet keys in ascending (user_id, currency_id)
// order and returns an unlock function that releases them in reverse.
func (l *Ledger) acquire(keys []WalletKey) func() {
	uniq := dedupe(keys)
	sort.Slice(uniq, func(i, j int) bool { return uniq[i].less(uniq[j]) })
	mutexes := make([]*sync.Mutex, len(uniq))
	for i, k := range uniq {
		mutexes[i] = l.lockFor(k)
	}
	for _, m := range mutexes {
		m.Lock()
	}
	return func() {
		for i := len(mutexes) - 1; i >= 0; i-- {
			mutexes[i].Unlock()
		}
	}
}

func dedupe(keys []WalletKey) []WalletKey {
	seen := make(map[WalletKey]bool, len(keys))
	out := make([]WalletKey, 0, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

// getOrCreateWallet materializes a wallet on first reference (spec §3).
// Caller must hold the wallet's lock and pass a transaction-scoped db.
func getOrCreateWallet(tx *gorm.DB, userID, currencyID uuid.UUID) (*model.Wallet, error) {
	var w model.Wallet
	err := tx.Where("user_id = ? AND currency_id = ?", userID, currencyID).First(&w).Error
	if err == nil {
		return &w, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}
	w2 := model.NewWallet(userID, currencyID)
	if err := tx.Create(w2).Error; err != nil {
		return nil, err
	}
	return w2, nil
}

// journal appends one entry whose before/after balances are the ones the
// operation moves: total for settlements and fees, available for freeze and
// unfreeze (which leave total unchanged).
func journal(tx *gorm.DB, w *model.Wallet, kind model.TxnKind, status model.TxnStatus, signedAmount decimal.Decimal, before, after decimal.Decimal, ref, desc string) error {
	entry := &model.Transaction{
		ID:            uuid.New(),
		UserID:        w.UserID,
		WalletID:      w.ID,
		Kind:          kind,
		Status:        status,
		Amount:        signedAmount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Reference:     ref,
		Description:   desc,
	}
	if err := entry.CheckInvariant(); err != nil {
		return err
	}
	return tx.Create(entry).Error
}

func (l *Ledger) alarm(format string, args ...any) {
	l.log.Errorw("invariant_alarm", "detail", fmt.Sprintf(format, args...))
}

// Freeze moves amount from available into frozen. Pre: amount > 0.
func (l *Ledger) Freeze(ctx context.Context, userID, currencyID uuid.UUID, amount decimal.Decimal, ref string) (*model.Wallet, error) {
	amount = money.ForStorage(amount)
	if !amount.IsPositive() {
		return nil, apperr.New(apperr.Validation, "freeze amount must be positive, got %s", amount)
	}
	unlock := l.acquire([]WalletKey{{userID, currencyID}})
	defer unlock()

	var result *model.Wallet
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := getOrCreateWallet(tx, userID, currencyID)
		if err != nil {
			return err
		}
		if w.Available().LessThan(amount) {
			return apperr.New(apperr.InsufficientFund, "user %s currency %s: have %s available, need %s", userID, currencyID, w.Available(), amount)
		}
		before := w.Available()
		w.Frozen = w.Frozen.Add(amount)
		if err := w.CheckInvariant(); err != nil {
			l.alarm("freeze invariant violation: %v", err)
			return err
		}
		if err := tx.Save(w).Error; err != nil {
			return err
		}
		if err := journal(tx, w, model.TxnTrade, model.TxnPending, amount.Neg(), before, w.Available(), ref, "freeze"); err != nil {
			return err
		}
		result = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Unfreeze clamps at zero to tolerate rounding drift; every clamp is logged
// as an invariant alarm (spec §4.1).
func (l *Ledger) Unfreeze(ctx context.Context, userID, currencyID uuid.UUID, amount decimal.Decimal, ref string) (*model.Wallet, error) {
	amount = money.ForStorage(amount)
	if amount.IsNegative() {
		return nil, apperr.New(apperr.Validation, "unfreeze amount must be non-negative, got %s", amount)
	}
	unlock := l.acquire([]WalletKey{{userID, currencyID}})
	defer unlock()

	var result *model.Wallet
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := getOrCreateWallet(tx, userID, currencyID)
		if err != nil {
			return err
		}
		before := w.Available()
		newFrozen := w.Frozen.Sub(amount)
		if newFrozen.IsNegative() {
			l.alarm("unfreeze clamp: user=%s currency=%s frozen=%s amount=%s", userID, currencyID, w.Frozen, amount)
			newFrozen = decimal.Zero
		}
		applied := w.Frozen.Sub(newFrozen)
		w.Frozen = newFrozen
		if err := w.CheckInvariant(); err != nil {
			l.alarm("unfreeze invariant violation: %v", err)
			return err
		}
		if err := tx.Save(w).Error; err != nil {
			return err
		}
		if err := journal(tx, w, model.TxnTrade, model.TxnCompleted, applied, before, w.Available(), ref, "unfreeze"); err != nil {
			return err
		}
		result = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SettleDebit is called on fill for the side whose funds were frozen. Fails
// loudly (Invariant) if frozen < amount — a matching bug.
func (l *Ledger) SettleDebit(ctx context.Context, tx *gorm.DB, userID, currencyID uuid.UUID, amount decimal.Decimal, ref string) error {
	amount = money.ForStorage(amount)
	w, err := getOrCreateWallet(tx, userID, currencyID)
	if err != nil {
		return err
	}
	if w.Frozen.LessThan(amount) {
		err := apperr.New(apperr.Invariant, "settle_debit: user %s currency %s frozen %s < amount %s", userID, currencyID, w.Frozen, amount)
		l.alarm(err.Error())
		return err
	}
	before := w.Total
	w.Total = w.Total.Sub(amount)
	w.Frozen = w.Frozen.Sub(amount)
	if err := w.CheckInvariant(); err != nil {
		l.alarm("settle_debit invariant violation: %v", err)
		return err
	}
	if err := tx.Save(w).Error; err != nil {
		return err
	}
	return journal(tx, w, model.TxnTrade, model.TxnCompleted, amount.Neg(), before, w.Total, ref, "settle_debit")
}

// SettleCredit is called on fill for the receiving side.
func (l *Ledger) SettleCredit(ctx context.Context, tx *gorm.DB, userID, currencyID uuid.UUID, amount decimal.Decimal, ref string) error {
	amount = money.ForStorage(amount)
	w, err := getOrCreateWallet(tx, userID, currencyID)
	if err != nil {
		return err
	}
	before := w.Total
	w.Total = w.Total.Add(amount)
	if err := w.CheckInvariant(); err != nil {
		l.alarm("settle_credit invariant violation: %v", err)
		return err
	}
	if err := tx.Save(w).Error; err != nil {
		return err
	}
	return journal(tx, w, model.TxnTrade, model.TxnCompleted, amount, before, w.Total, ref, "settle_credit")
}

// ApplyFee debits amount as a fee from the given wallet's total; frozen is
// left untouched. The matching engine charges both sides' fees to their
// quote-currency wallets.
func (l *Ledger) ApplyFee(ctx context.Context, tx *gorm.DB, userID, currencyID uuid.UUID, amount decimal.Decimal, ref string) error {
	amount = money.ForStorage(amount)
	if amount.IsZero() {
		return nil
	}
	w, err := getOrCreateWallet(tx, userID, currencyID)
	if err != nil {
		return err
	}
	before := w.Total
	w.Total = w.Total.Sub(amount)
	if err := w.CheckInvariant(); err != nil {
		l.alarm("apply_fee invariant violation: %v", err)
		return err
	}
	if err := tx.Save(w).Error; err != nil {
		return err
	}
	return journal(tx, w, model.TxnFee, model.TxnCompleted, amount.Neg(), before, w.Total, ref, "fee")
}

type Balance struct {
	CurrencyID uuid.UUID
	Total      decimal.Decimal
	Frozen     decimal.Decimal
}

// Snapshot returns the balances for every currency a user holds.
func (l *Ledger) Snapshot(ctx context.Context, userID uuid.UUID) ([]Balance, error) {
	var wallets []model.Wallet
	if err := l.db.WithContext(ctx).Where("user_id = ?", userID).Find(&wallets).Error; err != nil {
		return nil, err
	}
	out := make([]Balance, len(wallets))
	for i, w := range wallets {
		out[i] = Balance{CurrencyID: w.CurrencyID, Total: w.Total, Frozen: w.Frozen}
	}
	return out, nil
}

// WithGroup acquires the wallet locks for keys in total order, runs fn
// inside one database transaction, and releases the locks afterward. It is
// the vehicle for the four-wallet atomic group a fill needs (spec §4.1):
// the matching engine calls SettleDebit/SettleCredit/ApplyFee against the
// *gorm.DB handed to fn, all inside the same lock scope and transaction.
func (l *Ledger) WithGroup(ctx context.Context, keys []WalletKey, fn func(tx *gorm.DB) error) error {
	unlock := l.acquire(keys)
	defer unlock()
	return l.db.WithContext(ctx).Transaction(fn)
}
