package services

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/assohub/backend/internal/models"
)

// WalletCache maps owner keys to resolved wallet ids for the lifetime
// of one transaction. Never share a cache across transactions: wallets
// are created lazily and concurrently.
type WalletCache map[string]int64

func costCenterKey(id int64) string    { return fmt.Sprintf("cc:%d", id) }
func memberAccountKey(id int64) string { return fmt.Sprintf("ma:%d", id) }

// BalanceDelta describes one balance application: a signed delta on a
// cost-center wallet and, optionally, an independent signed delta on a
// member-account counterparty wallet.
type BalanceDelta struct {
	CostCenterID int64
	WalletID     int64 // resolved lazily when zero
	Amount       decimal.Decimal

	MemberAccountID      int64
	CounterpartyWalletID int64 // resolved lazily when zero
	CounterpartyAmount   decimal.Decimal
}

// WalletBalanceService is the only component that mutates wallet
// balances. All writes for one Apply call happen inside a single
// transaction under row-level wallet locks. When legacyMirror is on,
// the owning cost center / member account's materialized balance is
// updated in the same transaction.
type WalletBalanceService struct {
	db           *sql.DB
	legacyMirror bool
}

func NewWalletBalanceService(db *sql.DB, legacyMirror bool) *WalletBalanceService {
	return &WalletBalanceService{db: db, legacyMirror: legacyMirror}
}

// Apply runs ApplyTx in its own transaction.
func (s *WalletBalanceService) Apply(d BalanceDelta) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.ApplyTx(tx, d, WalletCache{}); err != nil {
		return err
	}
	return tx.Commit()
}

type walletSide struct {
	walletID  int64
	delta     decimal.Decimal
	mirrorSQL string
	mirrorID  int64
}

// ApplyTx applies the delta inside the caller's transaction. Wallets
// are locked in id order so concurrent applications touching the same
// pair cannot deadlock. Zero deltas are skipped entirely.
func (s *WalletBalanceService) ApplyTx(tx *sql.Tx, d BalanceDelta, cache WalletCache) error {
	sides := []walletSide{}

	if !d.Amount.IsZero() {
		walletID := d.WalletID
		if walletID == 0 {
			var err error
			walletID, err = s.CostCenterWalletTx(tx, d.CostCenterID, cache)
			if err != nil {
				return err
			}
		}
		sides = append(sides, walletSide{
			walletID:  walletID,
			delta:     d.Amount,
			mirrorSQL: `UPDATE cost_centers SET balance = balance + $1::numeric, updated_at = $2 WHERE id = $3`,
			mirrorID:  d.CostCenterID,
		})
	}

	if !d.CounterpartyAmount.IsZero() {
		walletID := d.CounterpartyWalletID
		if walletID == 0 {
			var err error
			walletID, err = s.MemberAccountWalletTx(tx, d.MemberAccountID, cache)
			if err != nil {
				return err
			}
		}
		sides = append(sides, walletSide{
			walletID:  walletID,
			delta:     d.CounterpartyAmount,
			mirrorSQL: `UPDATE member_accounts SET balance = balance + $1::numeric, updated_at = $2 WHERE id = $3`,
			mirrorID:  d.MemberAccountID,
		})
	}

	// Lock wallets in consistent order to prevent deadlocks
	sort.Slice(sides, func(i, j int) bool { return sides[i].walletID < sides[j].walletID })

	for _, side := range sides {
		if err := s.applyToWalletTx(tx, side.walletID, side.delta); err != nil {
			return err
		}
		if s.legacyMirror && side.mirrorID != 0 {
			if _, err := tx.Exec(side.mirrorSQL, side.delta.String(), time.Now(), side.mirrorID); err != nil {
				return fmt.Errorf("legacy mirror update failed: %w", err)
			}
		}
	}
	return nil
}

// CostCenterWalletTx resolves the operational wallet for a cost
// center, creating it on first use.
func (s *WalletBalanceService) CostCenterWalletTx(tx *sql.Tx, costCenterID int64, cache WalletCache) (int64, error) {
	if costCenterID == 0 {
		return 0, errors.New("cost center required to resolve wallet")
	}
	if id, ok := cache[costCenterKey(costCenterID)]; ok {
		return id, nil
	}

	var id int64
	err := tx.QueryRow(`
		SELECT id FROM wallets
		WHERE cost_center_id = $1 AND kind = $2`,
		costCenterID, string(models.WalletKindOperational)).Scan(&id)
	if err == sql.ErrNoRows {
		err = tx.QueryRow(`
			INSERT INTO wallets (cost_center_id, kind, balance, created_at, updated_at)
			VALUES ($1, $2, 0, $3, $3)
			RETURNING id`,
			costCenterID, string(models.WalletKindOperational), time.Now()).Scan(&id)
	}
	if err != nil {
		return 0, fmt.Errorf("resolve wallet for cost center %d: %w", costCenterID, err)
	}

	cache[costCenterKey(costCenterID)] = id
	return id, nil
}

// MemberAccountWalletTx resolves the operational wallet for a member
// account, creating it on first use.
func (s *WalletBalanceService) MemberAccountWalletTx(tx *sql.Tx, memberAccountID int64, cache WalletCache) (int64, error) {
	if memberAccountID == 0 {
		return 0, errors.New("member account required to resolve wallet")
	}
	if id, ok := cache[memberAccountKey(memberAccountID)]; ok {
		return id, nil
	}

	var id int64
	err := tx.QueryRow(`
		SELECT id FROM wallets
		WHERE member_account_id = $1 AND kind = $2`,
		memberAccountID, string(models.WalletKindOperational)).Scan(&id)
	if err == sql.ErrNoRows {
		err = tx.QueryRow(`
			INSERT INTO wallets (member_account_id, kind, balance, created_at, updated_at)
			VALUES ($1, $2, 0, $3, $3)
			RETURNING id`,
			memberAccountID, string(models.WalletKindOperational), time.Now()).Scan(&id)
	}
	if err != nil {
		return 0, fmt.Errorf("resolve wallet for member account %d: %w", memberAccountID, err)
	}

	cache[memberAccountKey(memberAccountID)] = id
	return id, nil
}

func (s *WalletBalanceService) applyToWalletTx(tx *sql.Tx, walletID int64, delta decimal.Decimal) error {
	var balanceStr string
	err := tx.QueryRow(`
		SELECT balance::text FROM wallets
		WHERE id = $1
		FOR UPDATE`, walletID).Scan(&balanceStr)
	if err != nil {
		return fmt.Errorf("lock wallet %d: %w", walletID, err)
	}

	balance, err := decimal.NewFromString(balanceStr)
	if err != nil {
		return fmt.Errorf("wallet %d: bad stored balance %q", walletID, balanceStr)
	}

	newBalance := balance.Add(delta)
	_, err = tx.Exec(`
		UPDATE wallets SET balance = $1, updated_at = $2
		WHERE id = $3`,
		newBalance.String(), time.Now(), walletID)
	if err != nil {
		return fmt.Errorf("update wallet %d: %w", walletID, err)
	}
	return nil
}
