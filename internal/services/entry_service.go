package services

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/assohub/backend/internal/audit"
	"github.com/assohub/backend/internal/models"
	"github.com/assohub/backend/internal/notify"
)

// postPaidHook runs inside the pay transaction after balances are
// applied, keyed on entry type.
type postPaidHook func(tx *sql.Tx, entry *models.LedgerEntry, cache WalletCache) error

// LedgerEntryService owns the entry lifecycle:
// pendente -> pago, pendente -> cancelado, and the compensating
// adjustment of a paid entry. Balance mutations go through the
// WalletBalanceService only.
type LedgerEntryService struct {
	db           *sql.DB
	balance      *WalletBalanceService
	distribution *RevenueDistributionService
	audit        *audit.Logger
	notifier     notify.Notifier
	validator    *ValidationHelper
}

func NewLedgerEntryService(db *sql.DB, balance *WalletBalanceService, distribution *RevenueDistributionService, auditLogger *audit.Logger, notifier notify.Notifier) *LedgerEntryService {
	return &LedgerEntryService{
		db:           db,
		balance:      balance,
		distribution: distribution,
		audit:        auditLogger,
		notifier:     notifier,
		validator:    NewValidationHelper(),
	}
}

// postPaidHooks maps every entry type to its post-paid side effect.
// Listing all types keeps the dispatch exhaustive: MarkPaid rejects a
// type that is absent from this table.
func (s *LedgerEntryService) postPaidHooks() map[models.EntryType]postPaidHook {
	return map[models.EntryType]postPaidHook{
		models.EntryTypeAssociationDues: nil,
		models.EntryTypeNucleusDues:     nil,
		models.EntryTypeEventRevenue:    s.distribution.RouteTicketRevenueTx,
		models.EntryTypeInternalContrib: nil,
		models.EntryTypeExternalContrib: nil,
		models.EntryTypeExpense:         nil,
		models.EntryTypeAdjustment:      nil,
		models.EntryTypeRevenueShare:    nil,
	}
}

// MarkPaid moves a pending entry to paid. The status check happens on
// the locked entry row inside the same transaction that locks the
// wallets, so two concurrent calls apply the balance exactly once; the
// loser gets ErrInvalidTransition.
func (s *LedgerEntryService) MarkPaid(entryID int64, actor string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	entry, err := lockEntryTx(tx, entryID)
	if err != nil {
		return err
	}
	if entry.Status != models.StatusPending {
		return fmt.Errorf("%w: cannot pay entry %d in status %s", ErrInvalidTransition, entryID, entry.Status)
	}
	hook, known := s.postPaidHooks()[entry.Type]
	if !known {
		return fmt.Errorf("unknown entry type %q", entry.Type)
	}

	cache := WalletCache{}
	walletID, err := s.balance.CostCenterWalletTx(tx, entry.CostCenterID, cache)
	if err != nil {
		return err
	}
	delta := BalanceDelta{
		CostCenterID: entry.CostCenterID,
		WalletID:     walletID,
		Amount:       entry.Amount,
	}
	var counterpartyID *int64
	if entry.MemberAccountID != nil {
		id, err := s.balance.MemberAccountWalletTx(tx, *entry.MemberAccountID, cache)
		if err != nil {
			return err
		}
		counterpartyID = &id
		delta.MemberAccountID = *entry.MemberAccountID
		delta.CounterpartyWalletID = id
		delta.CounterpartyAmount = entry.Amount
	}
	if err := s.balance.ApplyTx(tx, delta, cache); err != nil {
		return err
	}

	_, err = tx.Exec(`
		UPDATE ledger_entries
		SET status = $1, wallet_id = $2, wallet_counterparty_id = $3, updated_at = $4
		WHERE id = $5`,
		string(models.StatusPaid), walletID, counterpartyID, time.Now(), entryID)
	if err != nil {
		return err
	}

	if hook != nil {
		entry.Status = models.StatusPaid
		entry.WalletID = &walletID
		entry.WalletCounterpartyID = counterpartyID
		if err := hook(tx, entry, cache); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.audit.LogTransition(entryID, actor, string(models.StatusPending), string(models.StatusPaid))
	s.notifyMember(entry.MemberAccountID, "lancamento_pago", map[string]string{
		"entry_id": strconv.FormatInt(entryID, 10),
		"amount":   entry.Amount.String(),
	})
	return nil
}

// Cancel moves a pending entry to canceled. Paid entries are never
// cancelable; they can only be adjusted.
func (s *LedgerEntryService) Cancel(entryID int64, actor string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	entry, err := lockEntryTx(tx, entryID)
	if err != nil {
		return err
	}
	if entry.Status != models.StatusPending {
		return fmt.Errorf("%w: cannot cancel entry %d in status %s", ErrInvalidTransition, entryID, entry.Status)
	}

	_, err = tx.Exec(`
		UPDATE ledger_entries SET status = $1, updated_at = $2
		WHERE id = $3`,
		string(models.StatusCanceled), time.Now(), entryID)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.audit.LogTransition(entryID, actor, string(models.StatusPending), string(models.StatusCanceled))
	return nil
}

// Adjust creates a compensating entry correcting a paid entry's
// amount. Only a paid, not-yet-adjusted entry qualifies. Returns the
// adjustment entry.
func (s *LedgerEntryService) Adjust(entryID int64, correctedAmount decimal.Decimal, reason, actor string) (*models.LedgerEntry, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	entry, err := lockEntryTx(tx, entryID)
	if err != nil {
		return nil, err
	}
	if entry.Status != models.StatusPaid || entry.Adjusted {
		return nil, fmt.Errorf("%w: entry %d status=%s adjusted=%t", ErrNotAdjustable, entryID, entry.Status, entry.Adjusted)
	}

	delta := correctedAmount.Sub(entry.Amount)

	cache := WalletCache{}
	walletID, err := s.balance.CostCenterWalletTx(tx, entry.CostCenterID, cache)
	if err != nil {
		return nil, err
	}
	var counterpartyID *int64
	if entry.MemberAccountID != nil {
		id, err := s.balance.MemberAccountWalletTx(tx, *entry.MemberAccountID, cache)
		if err != nil {
			return nil, err
		}
		counterpartyID = &id
	}

	now := time.Now()
	adjustment := &models.LedgerEntry{
		CostCenterID:         entry.CostCenterID,
		MemberAccountID:      entry.MemberAccountID,
		WalletID:             &walletID,
		WalletCounterpartyID: counterpartyID,
		Type:                 models.EntryTypeAdjustment,
		Amount:               delta,
		IssuedAt:             now,
		DueAt:                now,
		Status:               models.StatusPaid,
		Description:          fmt.Sprintf("Ajuste: %s", reason),
		OriginalEntryID:      &entry.ID,
	}
	adjustment.ID, err = insertEntryTx(tx, adjustment)
	if err != nil {
		return nil, err
	}

	balanceDelta := BalanceDelta{
		CostCenterID: entry.CostCenterID,
		WalletID:     walletID,
		Amount:       delta,
	}
	if entry.MemberAccountID != nil {
		balanceDelta.MemberAccountID = *entry.MemberAccountID
		balanceDelta.CounterpartyWalletID = *counterpartyID
		balanceDelta.CounterpartyAmount = delta
	}
	if err := s.balance.ApplyTx(tx, balanceDelta, cache); err != nil {
		return nil, err
	}

	_, err = tx.Exec(`
		UPDATE ledger_entries
		SET adjusted = TRUE, wallet_id = $1, wallet_counterparty_id = $2, updated_at = $3
		WHERE id = $4`,
		walletID, counterpartyID, now, entry.ID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.audit.LogAdjustment(entry.ID, adjustment.ID, actor, reason, delta)
	s.notifyMember(entry.MemberAccountID, "lancamento_ajustado", map[string]string{
		"entry_id": strconv.FormatInt(entry.ID, 10),
		"delta":    delta.String(),
	})
	return adjustment, nil
}

// notifyMember is best-effort: a notification failure must never roll
// back or fail a financial mutation.
func (s *LedgerEntryService) notifyMember(memberAccountID *int64, templateCode string, context map[string]string) {
	if memberAccountID == nil {
		return
	}
	var userID int64
	err := s.db.QueryRow(`SELECT user_id FROM member_accounts WHERE id = $1`, *memberAccountID).Scan(&userID)
	if err != nil {
		log.Printf("[LEDGER] notification skipped, member account %d lookup failed: %v", *memberAccountID, err)
		return
	}
	if err := s.notifier.Notify(userID, templateCode, context); err != nil {
		log.Printf("[LEDGER] notification failed for user %d: %v", userID, err)
	}
}

// HTTP handlers

type createEntryRequest struct {
	CostCenterID    int64  `json:"cost_center_id" validate:"required"`
	MemberAccountID *int64 `json:"member_account_id"`
	Type            string `json:"type" validate:"required"`
	Amount          string `json:"amount" validate:"required"`
	IssuedAt        string `json:"issued_at" validate:"required"`
	DueAt           string `json:"due_at"`
	Description     string `json:"description" validate:"max=500"`
}

// CreateEntry creates a manual pending ledger entry
// @Summary Create a ledger entry
// @Tags entries
// @Accept json
// @Produce json
// @Router /entries [post]
func (s *LedgerEntryService) CreateEntry(w http.ResponseWriter, r *http.Request) {
	var req createEntryRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	entryType := models.EntryType(req.Type)
	if !entryType.Valid() {
		SendErrorResponse(w, fmt.Sprintf("Unknown entry type %q", req.Type), http.StatusBadRequest, nil)
		return
	}
	amount, err := models.ParseAmount(req.Amount)
	if err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if amount.IsNegative() && entryType != models.EntryTypeExpense {
		SendErrorResponse(w, "Negative amounts are allowed only for expense entries", http.StatusBadRequest, nil)
		return
	}
	issuedAt, err := time.Parse("2006-01-02", req.IssuedAt)
	if err != nil {
		SendErrorResponse(w, "issued_at must be an ISO-8601 date", http.StatusBadRequest, nil)
		return
	}
	dueAt := issuedAt
	if req.DueAt != "" {
		dueAt, err = time.Parse("2006-01-02", req.DueAt)
		if err != nil {
			SendErrorResponse(w, "due_at must be an ISO-8601 date", http.StatusBadRequest, nil)
			return
		}
		if dueAt.Before(issuedAt) {
			SendErrorResponse(w, "due_at cannot precede issued_at", http.StatusBadRequest, nil)
			return
		}
	}

	entry := &models.LedgerEntry{
		CostCenterID:    req.CostCenterID,
		MemberAccountID: req.MemberAccountID,
		Type:            entryType,
		Amount:          amount,
		IssuedAt:        issuedAt,
		DueAt:           dueAt,
		Status:          models.StatusPending,
		Description:     req.Description,
	}

	tx, err := s.db.Begin()
	if err != nil {
		SendErrorResponse(w, "Failed to create entry", http.StatusInternalServerError, nil)
		return
	}
	defer tx.Rollback()

	entry.ID, err = insertEntryTx(tx, entry)
	if err != nil {
		log.Printf("[LEDGER] insert entry failed: %v", err)
		SendErrorResponse(w, "Failed to create entry", http.StatusInternalServerError, nil)
		return
	}
	if err := tx.Commit(); err != nil {
		SendErrorResponse(w, "Failed to create entry", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(entry)
}

// PayEntry marks a pending entry as paid
// @Summary Pay a ledger entry
// @Tags entries
// @Produce json
// @Router /entries/{entryId}/pay [post]
func (s *LedgerEntryService) PayEntry(w http.ResponseWriter, r *http.Request) {
	entryID, ok := entryIDParam(w, r)
	if !ok {
		return
	}
	if err := s.MarkPaid(entryID, actorFrom(r)); err != nil {
		writeTransitionError(w, entryID, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"id": entryID, "status": models.StatusPaid})
}

// CancelEntry cancels a pending entry
// @Summary Cancel a ledger entry
// @Tags entries
// @Produce json
// @Router /entries/{entryId}/cancel [post]
func (s *LedgerEntryService) CancelEntry(w http.ResponseWriter, r *http.Request) {
	entryID, ok := entryIDParam(w, r)
	if !ok {
		return
	}
	if err := s.Cancel(entryID, actorFrom(r)); err != nil {
		writeTransitionError(w, entryID, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"id": entryID, "status": models.StatusCanceled})
}

type adjustRequest struct {
	CorrectedAmount string `json:"corrected_amount" validate:"required"`
	Reason          string `json:"reason" validate:"required,max=500"`
}

// AdjustEntry creates a compensating adjustment for a paid entry
// @Summary Adjust a paid ledger entry
// @Tags entries
// @Accept json
// @Produce json
// @Router /entries/{entryId}/adjust [post]
func (s *LedgerEntryService) AdjustEntry(w http.ResponseWriter, r *http.Request) {
	entryID, ok := entryIDParam(w, r)
	if !ok {
		return
	}
	var req adjustRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}
	corrected, err := models.ParseAmount(req.CorrectedAmount)
	if err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	adjustment, err := s.Adjust(entryID, corrected, req.Reason, actorFrom(r))
	if err != nil {
		writeTransitionError(w, entryID, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(adjustment)
}

// GetEntry retrieves one ledger entry
// @Summary Get a ledger entry
// @Tags entries
// @Produce json
// @Router /entries/{entryId} [get]
func (s *LedgerEntryService) GetEntry(w http.ResponseWriter, r *http.Request) {
	entryID, ok := entryIDParam(w, r)
	if !ok {
		return
	}
	entry, err := s.fetchEntry(entryID)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Entry not found", http.StatusNotFound, nil)
		} else {
			SendErrorResponse(w, "Failed to fetch entry", http.StatusInternalServerError, nil)
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entry)
}

// ListEntries lists ledger entries with optional filters
// @Summary List ledger entries
// @Tags entries
// @Produce json
// @Router /entries [get]
func (s *LedgerEntryService) ListEntries(w http.ResponseWriter, r *http.Request) {
	conditions := []string{}
	args := []interface{}{}
	argIndex := 1

	if v := r.URL.Query().Get("costCenterId"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			SendErrorResponse(w, "Invalid costCenterId", http.StatusBadRequest, nil)
			return
		}
		conditions = append(conditions, fmt.Sprintf("cost_center_id = $%d", argIndex))
		args = append(args, id)
		argIndex++
	}
	if v := r.URL.Query().Get("status"); v != "" {
		if !models.EntryStatus(v).Valid() {
			SendErrorResponse(w, "Invalid status", http.StatusBadRequest, nil)
			return
		}
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIndex))
		args = append(args, v)
		argIndex++
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil && l > 0 && l <= 200 {
			limit = l
		}
	}

	query := `SELECT ` + entryColumns + ` FROM ledger_entries`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY issued_at DESC, id DESC LIMIT $%d", argIndex)
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		SendErrorResponse(w, "Failed to fetch entries", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	entries := []*models.LedgerEntry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			SendErrorResponse(w, "Failed to fetch entries", http.StatusInternalServerError, nil)
			return
		}
		entries = append(entries, entry)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

func (s *LedgerEntryService) fetchEntry(entryID int64) (*models.LedgerEntry, error) {
	row := s.db.QueryRow(`SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1`, entryID)
	return scanEntry(row)
}

// Shared entry SQL helpers

const entryColumns = `id, cost_center_id, member_account_id, wallet_id, wallet_counterparty_id,
	       type, amount::text, issued_at, due_at, status, description, adjusted,
	       original_entry_id, import_batch_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*models.LedgerEntry, error) {
	entry := &models.LedgerEntry{}
	var amountStr string
	err := row.Scan(
		&entry.ID, &entry.CostCenterID, &entry.MemberAccountID, &entry.WalletID,
		&entry.WalletCounterpartyID, &entry.Type, &amountStr, &entry.IssuedAt,
		&entry.DueAt, &entry.Status, &entry.Description, &entry.Adjusted,
		&entry.OriginalEntryID, &entry.ImportBatchID, &entry.CreatedAt, &entry.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	entry.Amount, err = decimal.NewFromString(amountStr)
	if err != nil {
		return nil, fmt.Errorf("entry %d: bad stored amount %q", entry.ID, amountStr)
	}
	return entry, nil
}

func lockEntryTx(tx *sql.Tx, entryID int64) (*models.LedgerEntry, error) {
	row := tx.QueryRow(`SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1 FOR UPDATE`, entryID)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("entry %d not found", entryID)
	}
	return entry, err
}

func insertEntryTx(tx *sql.Tx, entry *models.LedgerEntry) (int64, error) {
	now := time.Now()
	var id int64
	err := tx.QueryRow(`
		INSERT INTO ledger_entries
		(cost_center_id, member_account_id, wallet_id, wallet_counterparty_id, type, amount,
		 issued_at, due_at, status, description, adjusted, original_entry_id, import_batch_id,
		 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)
		RETURNING id`,
		entry.CostCenterID, entry.MemberAccountID, entry.WalletID, entry.WalletCounterpartyID,
		string(entry.Type), entry.Amount.String(), entry.IssuedAt, entry.DueAt,
		string(entry.Status), entry.Description, entry.Adjusted, entry.OriginalEntryID,
		entry.ImportBatchID, now).Scan(&id)
	return id, err
}

// Handler helpers

func entryIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	entryID, err := strconv.ParseInt(chi.URLParam(r, "entryId"), 10, 64)
	if err != nil {
		SendErrorResponse(w, "Invalid entry id", http.StatusBadRequest, nil)
		return 0, false
	}
	return entryID, true
}

func actorFrom(r *http.Request) string {
	if actor := r.Header.Get("X-Actor"); actor != "" {
		return actor
	}
	return "api"
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}
	return true
}

func writeTransitionError(w http.ResponseWriter, entryID int64, err error) {
	switch {
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNotAdjustable):
		SendErrorResponse(w, err.Error(), http.StatusConflict, nil)
	default:
		log.Printf("[LEDGER] entry %d operation failed: %v", entryID, err)
		SendErrorResponse(w, "Failed to process entry", http.StatusInternalServerError, nil)
	}
}
