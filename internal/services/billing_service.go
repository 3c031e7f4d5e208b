package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/assohub/backend/internal/config"
	"github.com/assohub/backend/internal/directory"
	"github.com/assohub/backend/internal/models"
	"github.com/assohub/backend/internal/notify"
	"github.com/assohub/backend/internal/queue"
)

// RecurringBillingService generates the monthly dues entries.
// Idempotent per billing period by construction: an entry is only
// created when none exists for (cost center, member account, type,
// period start). The job runs single-threaded, so no locking is
// needed for the existence check.
type RecurringBillingService struct {
	db       *sql.DB
	dir      directory.Directory
	notifier notify.Notifier
	cfg      *config.BillingConfig
	jobs     *queue.Queue
}

func NewRecurringBillingService(db *sql.DB, dir directory.Directory, notifier notify.Notifier, cfg *config.BillingConfig, jobs *queue.Queue) *RecurringBillingService {
	return &RecurringBillingService{
		db:       db,
		dir:      dir,
		notifier: notifier,
		cfg:      cfg,
		jobs:     jobs,
	}
}

// Run bills every organization for the month containing period.
// Returns the number of entries created. A notification failure is
// logged and never blocks entry creation; a database failure for one
// organization aborts that organization only.
func (s *RecurringBillingService) Run(period time.Time) (int, error) {
	periodStart := time.Date(period.Year(), period.Month(), 1, 0, 0, 0, 0, time.UTC)
	dueAt := dueDate(periodStart, s.cfg.DueDayOfMonth)

	orgs, err := s.dir.Organizations()
	if err != nil {
		return 0, err
	}

	created := 0
	var firstErr error
	for _, orgID := range orgs {
		n, err := s.runOrganization(orgID, periodStart, dueAt)
		created += n
		if err != nil {
			log.Printf("[BILLING] organization %d failed: %v", orgID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	log.Printf("[BILLING] period %s: %d entries created across %d organizations", periodStart.Format("2006-01"), created, len(orgs))
	return created, firstErr
}

func (s *RecurringBillingService) runOrganization(orgID int64, periodStart, dueAt time.Time) (int, error) {
	members, err := s.dir.ActiveMembers(orgID)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	orgCC, err := findOrCreateOrganizationCostCenterTx(tx, orgID)
	if err != nil {
		return 0, err
	}

	created := 0
	notifications := []int64{}
	for _, member := range members {
		accountID, err := findOrCreateMemberAccountTx(tx, member.UserID)
		if err != nil {
			return created, err
		}

		ok, err := s.createDuesTx(tx, orgCC, accountID, models.EntryTypeAssociationDues, s.cfg.AssociationFee, periodStart, dueAt)
		if err != nil {
			return created, err
		}
		if ok {
			created++
			notifications = append(notifications, member.UserID)
		}

		nuclei, err := s.dir.NucleusParticipations(member.UserID)
		if err != nil {
			return created, err
		}
		for _, nucleus := range nuclei {
			nucleusCC, err := findOrCreateNucleusCostCenterTx(tx, nucleus.ID)
			if err != nil {
				return created, err
			}
			fee := s.cfg.DefaultNucleusFee
			if nucleus.MonthlyFee != nil {
				fee = *nucleus.MonthlyFee
			}
			ok, err := s.createDuesTx(tx, nucleusCC, accountID, models.EntryTypeNucleusDues, fee, periodStart, dueAt)
			if err != nil {
				return created, err
			}
			if ok {
				created++
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	for _, userID := range notifications {
		if err := s.notifier.Notify(userID, "mensalidade_gerada", map[string]string{
			"period": periodStart.Format("2006-01"),
			"due_at": dueAt.Format("2006-01-02"),
		}); err != nil {
			log.Printf("[BILLING] notification failed for user %d: %v", userID, err)
		}
	}
	return created, nil
}

// createDuesTx creates the period's dues entry unless one already
// exists for the same (cost center, member account, type, period
// start) key. Reports whether an entry was created.
func (s *RecurringBillingService) createDuesTx(tx *sql.Tx, costCenterID, accountID int64, entryType models.EntryType, amount decimal.Decimal, periodStart, dueAt time.Time) (bool, error) {
	var exists bool
	err := tx.QueryRow(`
		SELECT EXISTS(
			SELECT 1 FROM ledger_entries
			WHERE cost_center_id = $1 AND member_account_id = $2
			  AND type = $3 AND issued_at = $4
		)`, costCenterID, accountID, string(entryType), periodStart).Scan(&exists)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	entry := &models.LedgerEntry{
		CostCenterID:    costCenterID,
		MemberAccountID: &accountID,
		Type:            entryType,
		Amount:          amount,
		IssuedAt:        periodStart,
		DueAt:           dueAt,
		Status:          models.StatusPending,
		Description:     fmt.Sprintf("Mensalidade %s", periodStart.Format("01/2006")),
	}
	if _, err := insertEntryTx(tx, entry); err != nil {
		return false, err
	}
	return true, nil
}

func dueDate(periodStart time.Time, dayOfMonth int) time.Time {
	lastDay := periodStart.AddDate(0, 1, -1).Day()
	if dayOfMonth > lastDay {
		dayOfMonth = lastDay
	}
	if dayOfMonth < 1 {
		dayOfMonth = 1
	}
	return time.Date(periodStart.Year(), periodStart.Month(), dayOfMonth, 0, 0, 0, 0, time.UTC)
}

func findOrCreateMemberAccountTx(tx *sql.Tx, userID int64) (int64, error) {
	var id int64
	err := tx.QueryRow(`SELECT id FROM member_accounts WHERE user_id = $1`, userID).Scan(&id)
	if err == sql.ErrNoRows {
		err = tx.QueryRow(`
			INSERT INTO member_accounts (user_id, balance, created_at, updated_at)
			VALUES ($1, 0, $2, $2)
			RETURNING id`, userID, time.Now()).Scan(&id)
	}
	if err != nil {
		return 0, fmt.Errorf("member account for user %d: %w", userID, err)
	}
	return id, nil
}

// Job queue integration

type billingRunPayload struct {
	Period string `json:"period"` // 2006-01
}

// HandleJob processes a billing_run job.
func (s *RecurringBillingService) HandleJob(_ context.Context, payload json.RawMessage) error {
	var p billingRunPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	period, err := time.Parse("2006-01", p.Period)
	if err != nil {
		return fmt.Errorf("bad billing period %q: %w", p.Period, err)
	}
	_, err = s.Run(period)
	return err
}

// RunBilling triggers a billing run for a period
// @Summary Run recurring billing
// @Tags billing
// @Accept json
// @Produce json
// @Router /billing/run [post]
func (s *RecurringBillingService) RunBilling(w http.ResponseWriter, r *http.Request) {
	period := time.Now().UTC()
	if v := r.URL.Query().Get("period"); v != "" {
		parsed, err := time.Parse("2006-01", v)
		if err != nil {
			SendErrorResponse(w, "period must be formatted as YYYY-MM", http.StatusBadRequest, nil)
			return
		}
		period = parsed
	}

	if s.jobs != nil {
		payload := billingRunPayload{Period: period.Format("2006-01")}
		if err := s.jobs.Enqueue(r.Context(), queue.JobBillingRun, payload); err == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(map[string]string{"status": "enqueued", "period": payload.Period})
			return
		}
		log.Printf("[BILLING] enqueue failed, running synchronously")
	}

	created, err := s.Run(period)
	if err != nil {
		SendErrorResponse(w, "Billing run failed", http.StatusInternalServerError, nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "completed",
		"created": strconv.Itoa(created),
	})
}
