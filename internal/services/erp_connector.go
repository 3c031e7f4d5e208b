package services

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/assohub/backend/internal/audit"
	"github.com/assohub/backend/internal/config"
	"github.com/assohub/backend/internal/models"
	"github.com/assohub/backend/internal/queue"
)

const (
	erpActionEntrySync        = "entry_sync"
	erpActionPaymentReconcile = "payment_reconcile"
)

// ERPConnector pushes ledger events to each organization's external
// accounting system. Every outbound call carries a fresh idempotency
// key, retries with a constant interval, and leaves one integration
// log row per attempt.
type ERPConnector struct {
	db     *sql.DB
	cfg    *config.ERPConfig
	client *http.Client
	audit  *audit.Logger
}

func NewERPConnector(db *sql.DB, cfg *config.ERPConfig, auditLogger *audit.Logger) *ERPConnector {
	return &ERPConnector{
		db:     db,
		cfg:    cfg,
		client: &http.Client{},
		audit:  auditLogger,
	}
}

// ConfigFor loads the organization's connection settings, filling in
// the process-wide defaults for anything unset.
func (c *ERPConnector) ConfigFor(organizationID int64) (*models.IntegrationConfig, error) {
	cfg := &models.IntegrationConfig{}
	var timeoutMs, intervalMs int64
	err := c.db.QueryRow(`
		SELECT id, organization_id, provider, base_url, api_key, timeout_ms, max_retries, retry_interval_ms
		FROM integration_configs
		WHERE organization_id = $1`, organizationID).Scan(
		&cfg.ID, &cfg.OrganizationID, &cfg.Provider, &cfg.BaseURL, &cfg.APIKey,
		&timeoutMs, &cfg.MaxRetries, &intervalMs)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no ERP integration configured for organization %d", organizationID)
	}
	if err != nil {
		return nil, err
	}

	cfg.Timeout = time.Duration(timeoutMs) * time.Millisecond
	cfg.RetryInterval = time.Duration(intervalMs) * time.Millisecond
	if cfg.Timeout <= 0 {
		cfg.Timeout = c.cfg.DefaultTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = c.cfg.DefaultMaxRetries
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = c.cfg.DefaultRetryInterval
	}
	return cfg, nil
}

// SendEntry pushes a newly created ledger entry to the ERP.
func (c *ERPConnector) SendEntry(ctx context.Context, organizationID int64, entry *models.LedgerEntry) error {
	return c.call(ctx, organizationID, erpActionEntrySync, "/entries", entry)
}

// ReconcilePayment reports a paid entry so the ERP can settle it.
func (c *ERPConnector) ReconcilePayment(ctx context.Context, organizationID int64, entry *models.LedgerEntry) error {
	return c.call(ctx, organizationID, erpActionPaymentReconcile, "/payments/reconcile", entry)
}

func (c *ERPConnector) call(ctx context.Context, organizationID int64, action, path string, payload any) error {
	cfg, err := c.ConfigFor(organizationID)
	if err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	rec := &models.IdempotencyRecord{
		Key:            uuid.NewString(),
		OrganizationID: organizationID,
		Action:         action,
		Status:         models.IdempotencyPending,
		CreatedAt:      time.Now(),
	}
	if err := c.createIdempotencyRecord(rec); err != nil {
		return err
	}

	attempts := 0
	operation := func() error {
		attempts++
		start := time.Now()
		err := c.attempt(ctx, cfg, path, rec.Key, body)
		c.logAttempt(cfg, action, time.Since(start), err)
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(cfg.RetryInterval), uint64(cfg.MaxRetries)), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		connErr := &ConnectorError{Provider: cfg.Provider, Action: action, Attempts: attempts, Err: err}
		c.audit.LogError(0, "erp_connector", connErr)
		return connErr
	}

	if err := c.completeIdempotencyRecord(rec.Key); err != nil {
		log.Printf("[ERP] could not mark idempotency key %s completed: %v", rec.Key, err)
	}
	return nil
}

func (c *ERPConnector) attempt(ctx context.Context, cfg *models.IntegrationConfig, path, key string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	url := strings.TrimRight(cfg.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	req.Header.Set("Idempotency-Key", key)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	callErr := fmt.Errorf("erp responded %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	// 4xx will not heal on retry, except throttling
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return backoff.Permanent(callErr)
	}
	return callErr
}

func (c *ERPConnector) createIdempotencyRecord(rec *models.IdempotencyRecord) error {
	_, err := c.db.Exec(`
		INSERT INTO idempotency_records (key, organization_id, action, status, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		rec.Key, rec.OrganizationID, rec.Action, rec.Status, rec.CreatedAt)
	return err
}

func (c *ERPConnector) completeIdempotencyRecord(key string) error {
	_, err := c.db.Exec(`
		UPDATE idempotency_records SET status = $1, completed_at = $2
		WHERE key = $3`, models.IdempotencyCompleted, time.Now(), key)
	return err
}

func (c *ERPConnector) logAttempt(cfg *models.IntegrationConfig, action string, duration time.Duration, attemptErr error) {
	entry := models.IntegrationLog{
		OrganizationID: cfg.OrganizationID,
		Provider:       cfg.Provider,
		Action:         action,
		Status:         "success",
		Duration:       duration,
		CreatedAt:      time.Now(),
	}
	if attemptErr != nil {
		entry.Status = "failure"
		entry.Error = attemptErr.Error()
	}
	_, err := c.db.Exec(`
		INSERT INTO integration_logs (organization_id, provider, action, status, duration_ms, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.OrganizationID, entry.Provider, entry.Action, entry.Status,
		entry.Duration.Milliseconds(), entry.Error, entry.CreatedAt)
	if err != nil {
		log.Printf("[ERP] could not write integration log: %v", err)
	}
}

// ExpireStale marks pending idempotency keys older than the configured
// age as expired and returns how many were swept.
func (c *ERPConnector) ExpireStale(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx, `
		UPDATE idempotency_records SET status = $1
		WHERE status = $2 AND created_at < $3`,
		models.IdempotencyExpired, models.IdempotencyPending, time.Now().Add(-c.cfg.StaleKeyAge))
	if err != nil {
		return 0, err
	}
	swept, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if swept > 0 {
		log.Printf("[ERP] expired %d stale idempotency keys", swept)
	}
	return swept, nil
}

// Job queue integration

type erpSyncPayload struct {
	EntryID        int64  `json:"entry_id"`
	OrganizationID int64  `json:"organization_id"`
	Action         string `json:"action"`
}

// EnqueueEntrySync queues an entry for asynchronous ERP delivery.
func (c *ERPConnector) EnqueueEntrySync(ctx context.Context, jobs *queue.Queue, organizationID, entryID int64, action string) error {
	return jobs.Enqueue(ctx, queue.JobERPSyncEntry, erpSyncPayload{
		EntryID:        entryID,
		OrganizationID: organizationID,
		Action:         action,
	})
}

// HandleJob processes an erp_sync_entry job.
func (c *ERPConnector) HandleJob(ctx context.Context, payload json.RawMessage) error {
	var p erpSyncPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}

	entry, err := c.fetchEntry(p.EntryID)
	if err != nil {
		return err
	}

	switch p.Action {
	case erpActionPaymentReconcile:
		return c.ReconcilePayment(ctx, p.OrganizationID, entry)
	default:
		return c.SendEntry(ctx, p.OrganizationID, entry)
	}
}

// HTTP handler

type erpSyncRequest struct {
	OrganizationID int64  `json:"organization_id" validate:"required"`
	Action         string `json:"action"`
}

// SyncEntryHandler returns a handler that pushes one entry to the
// organization's ERP, through the job queue when available.
// @Summary Sync a ledger entry to the organization's ERP
// @Tags erp
// @Accept json
// @Produce json
// @Router /entries/{entryId}/erp-sync [post]
func (c *ERPConnector) SyncEntryHandler(jobs *queue.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entryID, ok := entryIDParam(w, r)
		if !ok {
			return
		}
		var req erpSyncRequest
		if !decodeJSONBody(w, r, &req) {
			return
		}
		if req.OrganizationID == 0 {
			SendErrorResponse(w, "organization_id is required", http.StatusBadRequest, nil)
			return
		}
		action := req.Action
		if action == "" {
			action = erpActionEntrySync
		}
		if action != erpActionEntrySync && action != erpActionPaymentReconcile {
			SendErrorResponse(w, fmt.Sprintf("unknown action %q", action), http.StatusBadRequest, nil)
			return
		}

		if jobs != nil {
			if err := c.EnqueueEntrySync(r.Context(), jobs, req.OrganizationID, entryID, action); err == nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusAccepted)
				json.NewEncoder(w).Encode(map[string]any{"entry_id": entryID, "status": "enqueued"})
				return
			}
			log.Printf("[ERP] enqueue failed for entry %d, syncing synchronously", entryID)
		}

		entry, err := c.fetchEntry(entryID)
		if err != nil {
			SendErrorResponse(w, err.Error(), http.StatusNotFound, nil)
			return
		}
		if action == erpActionPaymentReconcile {
			err = c.ReconcilePayment(r.Context(), req.OrganizationID, entry)
		} else {
			err = c.SendEntry(r.Context(), req.OrganizationID, entry)
		}
		if err != nil {
			SendErrorResponse(w, err.Error(), http.StatusBadGateway, nil)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"entry_id": entryID, "status": "synced"})
	}
}

func (c *ERPConnector) fetchEntry(entryID int64) (*models.LedgerEntry, error) {
	row := c.db.QueryRow(`SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1`, entryID)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("ledger entry %d not found", entryID)
	}
	return entry, err
}
