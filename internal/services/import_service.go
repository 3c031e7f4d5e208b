package services

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/assohub/backend/internal/audit"
	"github.com/assohub/backend/internal/config"
	"github.com/assohub/backend/internal/models"
	"github.com/assohub/backend/internal/queue"
)

// ImportService runs the two-phase payment file import: preview
// validates and samples the file, confirm ingests it in fixed-size
// chunks with per-row failure isolation, reprocess re-runs a corrected
// error file against the same batch.
type ImportService struct {
	db      *sql.DB
	balance *WalletBalanceService
	audit   *audit.Logger
	cfg     *config.ImportConfig
	jobs    *queue.Queue
}

func NewImportService(db *sql.DB, balance *WalletBalanceService, auditLogger *audit.Logger, cfg *config.ImportConfig, jobs *queue.Queue) *ImportService {
	return &ImportService{
		db:      db,
		balance: balance,
		audit:   auditLogger,
		cfg:     cfg,
		jobs:    jobs,
	}
}

// PreviewRow echoes one validated row back to the uploader.
type PreviewRow struct {
	Row             int    `json:"row"`
	CostCenterID    int64  `json:"cost_center_id"`
	MemberAccountID int64  `json:"member_account_id"`
	Type            string `json:"type"`
	Amount          string `json:"amount"`
	IssuedAt        string `json:"issued_at"`
	DueAt           string `json:"due_at"`
	Status          string `json:"status"`
	Description     string `json:"description,omitempty"`
}

type PreviewResult struct {
	BatchID     int64        `json:"batch_id"`
	PreviewRows []PreviewRow `json:"preview_rows"`
	Errors      []string     `json:"errors"`
}

type ConfirmResult struct {
	BatchID       int64              `json:"batch_id"`
	Status        models.BatchStatus `json:"status"`
	RowsProcessed int                `json:"rows_processed"`
	Errors        []string           `json:"errors"`
	ErrorFilePath string             `json:"error_file_path,omitempty"`
}

// Preview validates the file and registers an import batch. A
// malformed file (unreadable, wrong extension, missing columns) fails
// the whole preview; a malformed row only lands in the error list.
func (s *ImportService) Preview(path string, uploadedBy int64) (*PreviewResult, error) {
	reader, err := newImportReader(path)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	index, err := columnIndex(reader.Header())
	if err != nil {
		return nil, err
	}

	result := &PreviewResult{PreviewRows: []PreviewRow{}, Errors: []string{}}
	for {
		record, line, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("unreadable row: %v", err))
			continue
		}
		row, err := parseImportRow(record, index, line)
		if err == nil {
			err = s.resolveRow(row)
		}
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		if len(result.PreviewRows) < s.cfg.PreviewRows {
			result.PreviewRows = append(result.PreviewRows, previewRowFrom(row))
		}
	}

	errorsJSON, _ := json.Marshal(result.Errors)
	err = s.db.QueryRow(`
		INSERT INTO import_batches (file_path, uploaded_by, status, idempotency_key, rows_processed, row_errors, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $6)
		RETURNING id`,
		path, uploadedBy, string(models.BatchUploaded), uuid.NewString(), string(errorsJSON), time.Now()).Scan(&result.BatchID)
	if err != nil {
		return nil, fmt.Errorf("register import batch: %w", err)
	}

	log.Printf("[IMPORT] batch %d previewed: %d sample rows, %d errors", result.BatchID, len(result.PreviewRows), len(result.Errors))
	return result, nil
}

// Confirm ingests the batch's file. Confirming an already-completed
// batch is a no-op keyed on the stored idempotency key. Row errors
// never fail the batch; only a fatal error marks it failed.
func (s *ImportService) Confirm(batchID int64) (*ConfirmResult, error) {
	batch, err := s.fetchBatch(batchID)
	if err != nil {
		return nil, err
	}
	if batch.Status == models.BatchCompleted {
		log.Printf("[IMPORT] batch %d already completed (key %s), skipping", batchID, batch.IdempotencyKey)
		return &ConfirmResult{
			BatchID:       batch.ID,
			Status:        batch.Status,
			RowsProcessed: batch.RowsProcessed,
			Errors:        batch.RowErrors,
			ErrorFilePath: batch.ErrorFilePath,
		}, nil
	}
	claimed, err := s.claimBatch(batchID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, fmt.Errorf("%w: batch %d is being processed by another worker", ErrBatchNotConfirmable, batchID)
	}

	processed, rowErrors, failed, header, fatal := s.processFile(batchID, batch.FilePath)
	return s.finishBatch(batch, processed, rowErrors, failed, header, fatal)
}

// Reprocess runs a corrected file against a previous batch's rows.
func (s *ImportService) Reprocess(batchID int64, correctedPath string) (*ConfirmResult, error) {
	batch, err := s.fetchBatch(batchID)
	if err != nil {
		return nil, err
	}
	if batch.Status == models.BatchUploaded || batch.Status == models.BatchProcessing {
		return nil, fmt.Errorf("%w: batch %d has not been confirmed yet", ErrBatchNotConfirmable, batchID)
	}

	processed, rowErrors, failed, header, fatal := s.processFile(batchID, correctedPath)
	batch.RowsProcessed += processed
	processed = batch.RowsProcessed
	// the batch record keeps its full error history across reruns
	rowErrors = append(append([]string{}, batch.RowErrors...), rowErrors...)
	return s.finishBatch(batch, processed, rowErrors, failed, header, fatal)
}

type failedRow struct {
	record []string
	reason string
}

// processFile streams the file in fixed-size chunks. Per chunk, valid
// rows are bulk-inserted and balance deltas are aggregated per owner
// and applied once per owner, not once per row.
func (s *ImportService) processFile(batchID int64, path string) (processed int, rowErrors []string, failed []failedRow, header []string, fatal error) {
	reader, err := newImportReader(path)
	if err != nil {
		return 0, nil, nil, nil, err
	}
	defer reader.Close()
	header = reader.Header()

	index, err := columnIndex(header)
	if err != nil {
		return 0, nil, nil, header, err
	}

	seen := map[string]bool{}
	chunk := []*parsedRow{}

	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		if err := s.ingestChunk(batchID, chunk); err != nil {
			return err
		}
		processed += len(chunk)
		chunk = chunk[:0]
		return nil
	}

	for {
		record, line, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			rowErrors = append(rowErrors, fmt.Sprintf("unreadable row: %v", err))
			continue
		}

		row, err := parseImportRow(record, index, line)
		if err == nil {
			err = s.resolveRow(row)
		}
		if err == nil {
			key := row.dedupKey()
			switch {
			case seen[key]:
				err = fmt.Errorf("row %d: duplicate of an earlier row in this file", line)
			default:
				var dup bool
				dup, err = s.entryExists(row)
				if err == nil && dup {
					err = fmt.Errorf("row %d: identical entry already exists in the ledger", line)
				}
				if err == nil {
					seen[key] = true
				}
			}
		}
		if err != nil {
			rowErrors = append(rowErrors, err.Error())
			failed = append(failed, failedRow{record: record, reason: err.Error()})
			continue
		}

		chunk = append(chunk, row)
		if len(chunk) >= s.cfg.ChunkSize {
			if err := flush(); err != nil {
				return processed, rowErrors, failed, header, err
			}
		}
	}
	if err := flush(); err != nil {
		return processed, rowErrors, failed, header, err
	}
	return processed, rowErrors, failed, header, nil
}

// ingestChunk writes one chunk in a single transaction: resolve
// wallets for paid rows, bulk-insert the entries, then apply the
// chunk's aggregated deltas once per owner.
func (s *ImportService) ingestChunk(batchID int64, chunk []*parsedRow) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	cache := WalletCache{}
	ccDeltas := map[int64]decimal.Decimal{}
	maDeltas := map[int64]decimal.Decimal{}
	ccOrder := []int64{}
	maOrder := []int64{}

	for _, row := range chunk {
		entry := &models.LedgerEntry{
			CostCenterID:    row.CostCenterID,
			MemberAccountID: &row.MemberAccountID,
			Type:            row.Type,
			Amount:          row.Amount,
			IssuedAt:        row.IssuedAt,
			DueAt:           row.DueAt,
			Status:          row.Status,
			Description:     row.Description,
			ImportBatchID:   &batchID,
		}
		if row.Status == models.StatusPaid {
			walletID, err := s.balance.CostCenterWalletTx(tx, row.CostCenterID, cache)
			if err != nil {
				return err
			}
			counterpartyID, err := s.balance.MemberAccountWalletTx(tx, row.MemberAccountID, cache)
			if err != nil {
				return err
			}
			entry.WalletID = &walletID
			entry.WalletCounterpartyID = &counterpartyID

			if _, ok := ccDeltas[row.CostCenterID]; !ok {
				ccOrder = append(ccOrder, row.CostCenterID)
			}
			ccDeltas[row.CostCenterID] = ccDeltas[row.CostCenterID].Add(row.Amount)
			if _, ok := maDeltas[row.MemberAccountID]; !ok {
				maOrder = append(maOrder, row.MemberAccountID)
			}
			maDeltas[row.MemberAccountID] = maDeltas[row.MemberAccountID].Add(row.Amount)
		}
		if _, err := insertEntryTx(tx, entry); err != nil {
			return err
		}
	}

	for _, ccID := range ccOrder {
		if err := s.balance.ApplyTx(tx, BalanceDelta{CostCenterID: ccID, Amount: ccDeltas[ccID]}, cache); err != nil {
			return err
		}
	}
	for _, maID := range maOrder {
		if err := s.balance.ApplyTx(tx, BalanceDelta{MemberAccountID: maID, CounterpartyAmount: maDeltas[maID]}, cache); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *ImportService) finishBatch(batch *models.ImportBatch, processed int, rowErrors []string, failed []failedRow, header []string, fatal error) (*ConfirmResult, error) {
	result := &ConfirmResult{BatchID: batch.ID, RowsProcessed: processed, Errors: rowErrors}

	if fatal != nil {
		result.Status = models.BatchFailed
		result.Errors = append(result.Errors, fatal.Error())
		s.updateBatch(batch.ID, result)
		s.audit.LogImportBatch(batch.ID, string(models.BatchFailed), processed, len(result.Errors))
		return result, fatal
	}

	if len(failed) > 0 {
		errorFile, err := s.writeErrorFile(batch.FilePath, header, failed)
		if err != nil {
			log.Printf("[IMPORT] batch %d: could not write error file: %v", batch.ID, err)
		} else {
			result.ErrorFilePath = errorFile
		}
	}
	if result.ErrorFilePath == "" {
		result.ErrorFilePath = batch.ErrorFilePath
	}

	result.Status = models.BatchCompleted
	if err := s.updateBatch(batch.ID, result); err != nil {
		return nil, err
	}
	s.audit.LogImportBatch(batch.ID, string(models.BatchCompleted), processed, len(rowErrors))
	log.Printf("[IMPORT] batch %d completed: %d rows processed, %d row errors", batch.ID, processed, len(rowErrors))
	return result, nil
}

// writeErrorFile emits a reprocessable CSV: the original columns plus
// a trailing error column.
func (s *ImportService) writeErrorFile(originalPath string, header []string, failed []failedRow) (string, error) {
	path := strings.TrimSuffix(originalPath, filepath.Ext(originalPath)) + ".errors.csv"
	file, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if err := w.Write(append(append([]string{}, header...), "erro")); err != nil {
		return "", err
	}
	for _, row := range failed {
		if row.record == nil {
			continue
		}
		record := append(append([]string{}, row.record...), row.reason)
		if err := w.Write(record); err != nil {
			return "", err
		}
	}
	w.Flush()
	return path, w.Error()
}

// resolveRow checks the cost center and resolves the member account,
// creating the account (and a minimal user when referenced by email)
// on first use.
func (s *ImportService) resolveRow(row *parsedRow) error {
	var exists bool
	err := s.db.QueryRow(`SELECT EXISTS(SELECT 1 FROM cost_centers WHERE id = $1)`, row.CostCenterID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("row %d: cost center lookup failed: %v", row.Line, err)
	}
	if !exists {
		return fmt.Errorf("row %d: cost center %d not found", row.Line, row.CostCenterID)
	}

	if row.MemberAccountID != 0 {
		err := s.db.QueryRow(`SELECT EXISTS(SELECT 1 FROM member_accounts WHERE id = $1)`, row.MemberAccountID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("row %d: member account lookup failed: %v", row.Line, err)
		}
		if !exists {
			return fmt.Errorf("row %d: member account %d not found", row.Line, row.MemberAccountID)
		}
		return nil
	}

	accountID, err := s.memberAccountByEmail(row.Email)
	if err != nil {
		return fmt.Errorf("row %d: %v", row.Line, err)
	}
	row.MemberAccountID = accountID
	return nil
}

func (s *ImportService) memberAccountByEmail(email string) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	user := models.User{Email: email, Active: true}
	err = tx.QueryRow(`SELECT id, email, active FROM users WHERE email = $1`, email).
		Scan(&user.ID, &user.Email, &user.Active)
	if err == sql.ErrNoRows {
		err = tx.QueryRow(`
			INSERT INTO users (email, active, created_at)
			VALUES ($1, TRUE, $2)
			RETURNING id`, email, time.Now()).Scan(&user.ID)
	}
	if err != nil {
		return 0, fmt.Errorf("resolve user %q: %v", email, err)
	}
	if !user.Active {
		return 0, fmt.Errorf("user %q is inactive", email)
	}

	accountID, err := findOrCreateMemberAccountTx(tx, user.ID)
	if err != nil {
		return 0, err
	}
	return accountID, tx.Commit()
}

func (s *ImportService) entryExists(row *parsedRow) (bool, error) {
	var exists bool
	err := s.db.QueryRow(`
		SELECT EXISTS(
			SELECT 1 FROM ledger_entries
			WHERE cost_center_id = $1 AND member_account_id = $2 AND type = $3
			  AND amount = $4::numeric AND issued_at = $5 AND due_at = $6 AND status = $7
		)`,
		row.CostCenterID, row.MemberAccountID, string(row.Type),
		row.Amount.String(), row.IssuedAt, row.DueAt, string(row.Status)).Scan(&exists)
	return exists, err
}

func (s *ImportService) fetchBatch(batchID int64) (*models.ImportBatch, error) {
	batch := &models.ImportBatch{}
	var errorsJSON string
	var errorFile sql.NullString
	err := s.db.QueryRow(`
		SELECT id, file_path, uploaded_by, status, idempotency_key, rows_processed,
		       COALESCE(row_errors, '[]'), error_file_path, created_at, updated_at
		FROM import_batches
		WHERE id = $1`, batchID).Scan(
		&batch.ID, &batch.FilePath, &batch.UploadedBy, &batch.Status, &batch.IdempotencyKey,
		&batch.RowsProcessed, &errorsJSON, &errorFile, &batch.CreatedAt, &batch.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("import batch %d not found", batchID)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(errorsJSON), &batch.RowErrors); err != nil {
		batch.RowErrors = []string{}
	}
	batch.ErrorFilePath = errorFile.String
	return batch, nil
}

// claimBatch moves the batch into processing, but only when no other
// worker holds it. Uploaded and failed batches are claimable; a batch
// already in processing is claimable again only once its last update
// is older than the stale-processing window, which frees batches
// abandoned by a crashed worker.
func (s *ImportService) claimBatch(batchID int64) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE import_batches SET status = $1, updated_at = $2
		WHERE id = $3
		  AND (status IN ($4, $5) OR (status = $1 AND updated_at < $6))`,
		string(models.BatchProcessing), time.Now(), batchID,
		string(models.BatchUploaded), string(models.BatchFailed),
		time.Now().Add(-s.cfg.StaleProcessingAge))
	if err != nil {
		return false, err
	}
	claimed, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return claimed > 0, nil
}

func (s *ImportService) updateBatch(batchID int64, result *ConfirmResult) error {
	errorsJSON, _ := json.Marshal(result.Errors)
	_, err := s.db.Exec(`
		UPDATE import_batches
		SET status = $1, rows_processed = $2, row_errors = $3, error_file_path = NULLIF($4, ''), updated_at = $5
		WHERE id = $6`,
		string(result.Status), result.RowsProcessed, string(errorsJSON), result.ErrorFilePath, time.Now(), batchID)
	return err
}

func previewRowFrom(row *parsedRow) PreviewRow {
	return PreviewRow{
		Row:             row.Line,
		CostCenterID:    row.CostCenterID,
		MemberAccountID: row.MemberAccountID,
		Type:            string(row.Type),
		Amount:          row.Amount.String(),
		IssuedAt:        row.IssuedAt.Format("2006-01-02"),
		DueAt:           row.DueAt.Format("2006-01-02"),
		Status:          string(row.Status),
		Description:     row.Description,
	}
}

// Job queue integration

type importConfirmPayload struct {
	BatchID int64 `json:"batch_id"`
}

// HandleJob processes an import_confirm job.
func (s *ImportService) HandleJob(_ context.Context, payload json.RawMessage) error {
	var p importConfirmPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	_, err := s.Confirm(p.BatchID)
	return err
}

// HTTP handlers

// PreviewImport validates an uploaded payment file
// @Summary Preview a payment import file
// @Tags imports
// @Accept multipart/form-data
// @Produce json
// @Router /imports/preview [post]
func (s *ImportService) PreviewImport(w http.ResponseWriter, r *http.Request) {
	path, ok := s.saveUpload(w, r)
	if !ok {
		return
	}

	result, err := s.Preview(path, uploaderFrom(r))
	if err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// ConfirmImport confirms a previewed batch
// @Summary Confirm an import batch
// @Tags imports
// @Produce json
// @Router /imports/{batchId}/confirm [post]
func (s *ImportService) ConfirmImport(w http.ResponseWriter, r *http.Request) {
	batchID, ok := batchIDParam(w, r)
	if !ok {
		return
	}

	if s.jobs != nil {
		if err := s.jobs.Enqueue(r.Context(), queue.JobImportConfirm, importConfirmPayload{BatchID: batchID}); err == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(map[string]any{"batch_id": batchID, "status": "enqueued"})
			return
		}
		log.Printf("[IMPORT] enqueue failed for batch %d, confirming synchronously", batchID)
	}

	result, err := s.Confirm(batchID)
	if err != nil {
		if result != nil {
			// fatal pipeline error: the batch is marked failed
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnprocessableEntity)
			json.NewEncoder(w).Encode(result)
			return
		}
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// ReprocessImport runs a corrected error file against a batch
// @Summary Reprocess an import batch's corrected error file
// @Tags imports
// @Accept multipart/form-data
// @Produce json
// @Router /imports/{batchId}/reprocess [post]
func (s *ImportService) ReprocessImport(w http.ResponseWriter, r *http.Request) {
	batchID, ok := batchIDParam(w, r)
	if !ok {
		return
	}
	path, ok := s.saveUpload(w, r)
	if !ok {
		return
	}

	result, err := s.Reprocess(batchID, path)
	if err != nil && result == nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// GetImportBatch returns an import batch's status and errors
// @Summary Get an import batch
// @Tags imports
// @Produce json
// @Router /imports/{batchId} [get]
func (s *ImportService) GetImportBatch(w http.ResponseWriter, r *http.Request) {
	batchID, ok := batchIDParam(w, r)
	if !ok {
		return
	}
	batch, err := s.fetchBatch(batchID)
	if err != nil {
		SendErrorResponse(w, "Import batch not found", http.StatusNotFound, nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(batch)
}

func (s *ImportService) saveUpload(w http.ResponseWriter, r *http.Request) (string, bool) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		SendErrorResponse(w, "Invalid multipart form", http.StatusBadRequest, nil)
		return "", false
	}
	file, fileHeader, err := r.FormFile("file")
	if err != nil {
		SendErrorResponse(w, "Missing file field", http.StatusBadRequest, nil)
		return "", false
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(fileHeader.Filename))
	if ext != ".csv" && ext != ".xlsx" {
		SendErrorResponse(w, fmt.Sprintf("Unsupported file extension %q", ext), http.StatusBadRequest, nil)
		return "", false
	}

	if err := os.MkdirAll(s.cfg.UploadDir, 0o755); err != nil {
		SendErrorResponse(w, "Failed to store upload", http.StatusInternalServerError, nil)
		return "", false
	}
	path := filepath.Join(s.cfg.UploadDir, uuid.NewString()+ext)
	dst, err := os.Create(path)
	if err != nil {
		SendErrorResponse(w, "Failed to store upload", http.StatusInternalServerError, nil)
		return "", false
	}
	defer dst.Close()
	if _, err := io.Copy(dst, file); err != nil {
		SendErrorResponse(w, "Failed to store upload", http.StatusInternalServerError, nil)
		return "", false
	}
	return path, true
}

func batchIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	batchID, err := strconv.ParseInt(chi.URLParam(r, "batchId"), 10, 64)
	if err != nil {
		SendErrorResponse(w, "Invalid batch id", http.StatusBadRequest, nil)
		return 0, false
	}
	return batchID, true
}

func uploaderFrom(r *http.Request) int64 {
	if v := r.Header.Get("X-User-ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			return id
		}
	}
	return 0
}
