package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/assohub/backend/internal/audit"
	"github.com/assohub/backend/internal/directory"
	"github.com/assohub/backend/internal/models"
)

// RevenueDistributionService routes event-ticket revenue: to the
// event's nucleus wallet (or the organization wallet when the event
// has no nucleus), or split among named participants.
//
// Its balance engine may differ from the ledger's: wallet-only mode
// disables the legacy member-account mirror for participant credits.
type RevenueDistributionService struct {
	db        *sql.DB
	balance   *WalletBalanceService
	dir       directory.Directory
	audit     *audit.Logger
	validator *ValidationHelper
}

func NewRevenueDistributionService(db *sql.DB, balance *WalletBalanceService, dir directory.Directory, auditLogger *audit.Logger) *RevenueDistributionService {
	return &RevenueDistributionService{
		db:        db,
		balance:   balance,
		dir:       dir,
		audit:     auditLogger,
		validator: NewValidationHelper(),
	}
}

// RouteTicketRevenueTx runs inside the pay transaction of a
// receita_evento entry: it credits the full amount to the nucleus (or
// organization) cost-center wallet through a paid repasse entry that
// carries the original entry's description.
func (s *RevenueDistributionService) RouteTicketRevenueTx(tx *sql.Tx, entry *models.LedgerEntry, cache WalletCache) error {
	var eventID sql.NullInt64
	err := tx.QueryRow(`SELECT event_id FROM cost_centers WHERE id = $1`, entry.CostCenterID).Scan(&eventID)
	if err != nil {
		return fmt.Errorf("load cost center %d: %w", entry.CostCenterID, err)
	}
	if !eventID.Valid {
		log.Printf("[DISTRIBUTION] entry %d: cost center %d has no event, revenue not routed", entry.ID, entry.CostCenterID)
		return nil
	}

	ev, err := s.dir.Event(eventID.Int64)
	if err != nil {
		return err
	}

	targetCC, err := s.targetCostCenterTx(tx, ev)
	if err != nil {
		return err
	}
	targetWallet, err := s.balance.CostCenterWalletTx(tx, targetCC, cache)
	if err != nil {
		return err
	}

	now := time.Now()
	share := &models.LedgerEntry{
		CostCenterID: targetCC,
		WalletID:     &targetWallet,
		Type:         models.EntryTypeRevenueShare,
		Amount:       entry.Amount,
		IssuedAt:     now,
		DueAt:        now,
		Status:       models.StatusPaid,
		Description:  entry.Description,
	}
	if _, err := insertEntryTx(tx, share); err != nil {
		return err
	}

	return s.balance.ApplyTx(tx, BalanceDelta{
		CostCenterID: targetCC,
		WalletID:     targetWallet,
		Amount:       entry.Amount,
	}, cache)
}

// Participant is one named recipient of a revenue split.
type Participant struct {
	MemberAccountID int64           `json:"member_account_id"`
	Share           decimal.Decimal `json:"share"`
}

// Distribute splits event revenue among participants. The source
// (nucleus or organization) wallet is credited the total and debited
// each share; every participant wallet is credited its share. All
// writes happen in one transaction; any failure aborts the whole
// distribution.
func (s *RevenueDistributionService) Distribute(eventID int64, total decimal.Decimal, payerAccountID int64, participants []Participant) error {
	if total.IsNegative() {
		return fmt.Errorf("total must be non-negative")
	}
	shareSum := decimal.Zero
	for i, p := range participants {
		if p.Share.IsNegative() {
			return fmt.Errorf("participant %d: share must be non-negative", i+1)
		}
		shareSum = shareSum.Add(p.Share)
	}
	if shareSum.GreaterThan(total) {
		return fmt.Errorf("shares (%s) exceed total (%s)", shareSum.String(), total.String())
	}

	ev, err := s.dir.Event(eventID)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	cache := WalletCache{}
	sourceCC, err := s.targetCostCenterTx(tx, ev)
	if err != nil {
		return err
	}
	sourceWallet, err := s.balance.CostCenterWalletTx(tx, sourceCC, cache)
	if err != nil {
		return err
	}

	now := time.Now()
	description := fmt.Sprintf("Repasse %s", ev.Name)

	// Credit the total into the source wallet.
	credit := &models.LedgerEntry{
		CostCenterID:    sourceCC,
		MemberAccountID: &payerAccountID,
		WalletID:        &sourceWallet,
		Type:            models.EntryTypeRevenueShare,
		Amount:          total,
		IssuedAt:        now,
		DueAt:           now,
		Status:          models.StatusPaid,
		Description:     description,
	}
	if _, err := insertEntryTx(tx, credit); err != nil {
		return err
	}
	if err := s.balance.ApplyTx(tx, BalanceDelta{
		CostCenterID: sourceCC,
		WalletID:     sourceWallet,
		Amount:       total,
	}, cache); err != nil {
		return err
	}

	for _, p := range participants {
		if p.Share.IsZero() {
			continue
		}
		participantWallet, err := s.balance.MemberAccountWalletTx(tx, p.MemberAccountID, cache)
		if err != nil {
			return err
		}

		// Debit the source wallet by the share.
		debit := &models.LedgerEntry{
			CostCenterID: sourceCC,
			WalletID:     &sourceWallet,
			Type:         models.EntryTypeRevenueShare,
			Amount:       p.Share.Neg(),
			IssuedAt:     now,
			DueAt:        now,
			Status:       models.StatusPaid,
			Description:  description,
		}
		if _, err := insertEntryTx(tx, debit); err != nil {
			return err
		}

		// Credit the participant wallet.
		participantAccountID := p.MemberAccountID
		share := &models.LedgerEntry{
			CostCenterID:         sourceCC,
			MemberAccountID:      &participantAccountID,
			WalletCounterpartyID: &participantWallet,
			Type:                 models.EntryTypeRevenueShare,
			Amount:               p.Share,
			IssuedAt:             now,
			DueAt:                now,
			Status:               models.StatusPaid,
			Description:          description,
		}
		if _, err := insertEntryTx(tx, share); err != nil {
			return err
		}

		if err := s.balance.ApplyTx(tx, BalanceDelta{
			CostCenterID: sourceCC,
			WalletID:     sourceWallet,
			Amount:       p.Share.Neg(),

			MemberAccountID:      p.MemberAccountID,
			CounterpartyWalletID: participantWallet,
			CounterpartyAmount:   p.Share,
		}, cache); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.audit.LogDistribution(eventID, total, len(participants))
	return nil
}

// targetCostCenterTx resolves the nucleus cost center when the event
// belongs to a nucleus, otherwise the organization cost center,
// creating either on first use.
func (s *RevenueDistributionService) targetCostCenterTx(tx *sql.Tx, ev *directory.Event) (int64, error) {
	if ev.NucleusID != nil {
		return findOrCreateNucleusCostCenterTx(tx, *ev.NucleusID)
	}
	return findOrCreateOrganizationCostCenterTx(tx, ev.OrganizationID)
}

func findOrCreateNucleusCostCenterTx(tx *sql.Tx, nucleusID int64) (int64, error) {
	var id int64
	err := tx.QueryRow(`SELECT id FROM cost_centers WHERE nucleus_id = $1`, nucleusID).Scan(&id)
	if err == sql.ErrNoRows {
		err = tx.QueryRow(`
			INSERT INTO cost_centers (name, nucleus_id, balance, created_at, updated_at)
			SELECT name, id, 0, $2, $2 FROM nuclei WHERE id = $1
			RETURNING id`, nucleusID, time.Now()).Scan(&id)
	}
	if err != nil {
		return 0, fmt.Errorf("cost center for nucleus %d: %w", nucleusID, err)
	}
	return id, nil
}

func findOrCreateOrganizationCostCenterTx(tx *sql.Tx, organizationID int64) (int64, error) {
	var id int64
	err := tx.QueryRow(`SELECT id FROM cost_centers WHERE organization_id = $1`, organizationID).Scan(&id)
	if err == sql.ErrNoRows {
		err = tx.QueryRow(`
			INSERT INTO cost_centers (name, organization_id, balance, created_at, updated_at)
			SELECT name, id, 0, $2, $2 FROM organizations WHERE id = $1
			RETURNING id`, organizationID, time.Now()).Scan(&id)
	}
	if err != nil {
		return 0, fmt.Errorf("cost center for organization %d: %w", organizationID, err)
	}
	return id, nil
}

// HTTP handler

type distributeRequest struct {
	Total        string        `json:"total" validate:"required"`
	PayerAccount int64         `json:"payer_account_id" validate:"required"`
	Participants []participant `json:"participants" validate:"required,min=1,dive"`
}

type participant struct {
	MemberAccountID int64  `json:"member_account_id" validate:"required"`
	Share           string `json:"share" validate:"required"`
}

// DistributeRevenue splits event revenue among participants
// @Summary Distribute event revenue
// @Tags events
// @Accept json
// @Produce json
// @Router /events/{eventId}/distribute [post]
func (s *RevenueDistributionService) DistributeRevenue(w http.ResponseWriter, r *http.Request) {
	eventID, err := strconv.ParseInt(chi.URLParam(r, "eventId"), 10, 64)
	if err != nil {
		SendErrorResponse(w, "Invalid event id", http.StatusBadRequest, nil)
		return
	}

	var req distributeRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	total, err := models.ParseAmount(req.Total)
	if err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	participants := make([]Participant, 0, len(req.Participants))
	for i, p := range req.Participants {
		share, err := models.ParseAmount(p.Share)
		if err != nil {
			SendErrorResponse(w, fmt.Sprintf("participant %d: %v", i+1, err), http.StatusBadRequest, nil)
			return
		}
		participants = append(participants, Participant{MemberAccountID: p.MemberAccountID, Share: share})
	}

	if err := s.Distribute(eventID, total, req.PayerAccount, participants); err != nil {
		log.Printf("[DISTRIBUTION] event %d distribution failed: %v", eventID, err)
		SendErrorResponse(w, err.Error(), http.StatusUnprocessableEntity, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"event_id":     eventID,
		"total":        total,
		"participants": len(participants),
	})
}
