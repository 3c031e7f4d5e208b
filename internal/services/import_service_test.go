package services

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/assohub/backend/internal/audit"
	"github.com/assohub/backend/internal/config"
	"github.com/assohub/backend/internal/models"
)

var batchColumns = []string{
	"id", "file_path", "uploaded_by", "status", "idempotency_key",
	"rows_processed", "row_errors", "error_file_path", "created_at", "updated_at",
}

func writeImportFile(t *testing.T, rows string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pagamentos.csv")
	content := "cost_center_id,conta_associado_id,email,tipo,valor,data_lancamento,data_vencimento,status,descricao\n" + rows
	assert.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newTestImportService(t *testing.T) (*ImportService, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)

	cfg := &config.ImportConfig{PreviewRows: 20, ChunkSize: 200, UploadDir: t.TempDir(), StaleProcessingAge: 30 * time.Minute}
	balance := NewWalletBalanceService(db, false)
	service := NewImportService(db, balance, audit.NewLogger(), cfg, nil)
	return service, mock, func() { db.Close() }
}

func TestImportService_Preview(t *testing.T) {
	service, mock, closeDB := newTestImportService(t)
	defer closeDB()

	path := writeImportFile(t,
		"1,3,,mensalidade_associacao,30.00,2026-03-01,2026-03-10,pago,Março\n"+
			"1,3,,doacao,10.00,2026-03-01,,pendente,\n")

	mock.ExpectQuery("SELECT EXISTS\\(SELECT 1 FROM cost_centers").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("SELECT EXISTS\\(SELECT 1 FROM member_accounts").
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("INSERT INTO import_batches").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))

	result, err := service.Preview(path, 42)
	assert.NoError(t, err)
	assert.Equal(t, int64(7), result.BatchID)
	assert.Len(t, result.PreviewRows, 1)
	assert.Equal(t, 2, result.PreviewRows[0].Row)
	assert.Equal(t, "30.00", result.PreviewRows[0].Amount)
	assert.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "row 3")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestImportService_PreviewResolvesAccountByEmail(t *testing.T) {
	service, mock, closeDB := newTestImportService(t)
	defer closeDB()

	path := writeImportFile(t,
		"1,,joao@asso.org,contribuicao_externa,15.00,2026-03-01,,pendente,\n")

	mock.ExpectQuery("SELECT EXISTS\\(SELECT 1 FROM cost_centers").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, email, active FROM users").
		WithArgs("joao@asso.org").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "active"}).
			AddRow(8, "joao@asso.org", true))
	mock.ExpectQuery("SELECT id FROM member_accounts WHERE user_id").
		WithArgs(int64(8)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(3))
	mock.ExpectCommit()
	mock.ExpectQuery("INSERT INTO import_batches").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))

	result, err := service.Preview(path, 42)
	assert.NoError(t, err)
	assert.Len(t, result.PreviewRows, 1)
	assert.Equal(t, int64(3), result.PreviewRows[0].MemberAccountID)
	assert.Empty(t, result.Errors)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestImportService_PreviewRejectsInactiveUser(t *testing.T) {
	service, mock, closeDB := newTestImportService(t)
	defer closeDB()

	path := writeImportFile(t,
		"1,,saiu@asso.org,contribuicao_externa,15.00,2026-03-01,,pendente,\n")

	mock.ExpectQuery("SELECT EXISTS\\(SELECT 1 FROM cost_centers").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, email, active FROM users").
		WithArgs("saiu@asso.org").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "active"}).
			AddRow(9, "saiu@asso.org", false))
	mock.ExpectRollback()
	mock.ExpectQuery("INSERT INTO import_batches").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(12))

	result, err := service.Preview(path, 42)
	assert.NoError(t, err)
	assert.Empty(t, result.PreviewRows)
	assert.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "inactive")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestImportService_PreviewMissingColumns(t *testing.T) {
	service, _, closeDB := newTestImportService(t)
	defer closeDB()

	path := filepath.Join(t.TempDir(), "ruim.csv")
	assert.NoError(t, os.WriteFile(path, []byte("cost_center_id,valor\n1,30.00\n"), 0o644))

	_, err := service.Preview(path, 42)
	var missing *MissingColumnsError
	assert.ErrorAs(t, err, &missing)
}

func TestImportService_Confirm(t *testing.T) {
	service, mock, closeDB := newTestImportService(t)
	defer closeDB()

	path := writeImportFile(t,
		"1,3,,mensalidade_associacao,30.00,2026-03-01,2026-03-10,pago,Março\n"+
			"1,3,,doacao,10.00,2026-03-01,,pendente,\n")

	mock.ExpectQuery("FROM import_batches").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(batchColumns).
			AddRow(7, path, 42, "uploaded", "key-1", 0, "[]", nil, time.Now(), time.Now()))
	mock.ExpectExec("UPDATE import_batches SET status").
		WithArgs("processing", sqlmock.AnyArg(), int64(7), "uploaded", "failed", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// row 2: resolution and duplicate checks
	mock.ExpectQuery("SELECT EXISTS\\(SELECT 1 FROM cost_centers").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("SELECT EXISTS\\(SELECT 1 FROM member_accounts").
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("SELECT 1 FROM ledger_entries").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	// chunk ingestion
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM wallets").
		WithArgs(int64(1), "operacional").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(10))
	mock.ExpectQuery("SELECT id FROM wallets").
		WithArgs(int64(3), "operacional").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(20))
	mock.ExpectQuery("INSERT INTO ledger_entries").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(500))
	mock.ExpectQuery("SELECT balance::text FROM wallets").
		WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("0.00"))
	mock.ExpectExec("UPDATE wallets SET balance").
		WithArgs("30.00", sqlmock.AnyArg(), int64(10)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT balance::text FROM wallets").
		WithArgs(int64(20)).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("0.00"))
	mock.ExpectExec("UPDATE wallets SET balance").
		WithArgs("30.00", sqlmock.AnyArg(), int64(20)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectExec("UPDATE import_batches").
		WithArgs("completed", 1, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := service.Confirm(7)
	assert.NoError(t, err)
	assert.Equal(t, models.BatchCompleted, result.Status)
	assert.Equal(t, 1, result.RowsProcessed)
	assert.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "row 3")
	assert.NoError(t, mock.ExpectationsWereMet())

	// the error file is reprocessable: original columns plus the reason
	assert.NotEmpty(t, result.ErrorFilePath)
	data, err := os.ReadFile(result.ErrorFilePath)
	assert.NoError(t, err)
	assert.Contains(t, string(data), "erro")
	assert.Contains(t, string(data), "doacao")
}

func TestImportService_ConfirmIdempotent(t *testing.T) {
	service, mock, closeDB := newTestImportService(t)
	defer closeDB()

	mock.ExpectQuery("FROM import_batches").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(batchColumns).
			AddRow(7, "/tmp/done.csv", 42, "completed", "key-1", 9, `["row 4: unknown status \"x\""]`, nil, time.Now(), time.Now()))

	result, err := service.Confirm(7)
	assert.NoError(t, err)
	assert.Equal(t, models.BatchCompleted, result.Status)
	assert.Equal(t, 9, result.RowsProcessed)
	assert.Len(t, result.Errors, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestImportService_ConfirmWhileProcessing(t *testing.T) {
	service, mock, closeDB := newTestImportService(t)
	defer closeDB()

	// another worker holds the batch: the claim update matches no row,
	// so this confirm never touches the file or the ledger
	mock.ExpectQuery("FROM import_batches").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(batchColumns).
			AddRow(7, "/tmp/busy.csv", 42, "processing", "key-1", 0, "[]", nil, time.Now(), time.Now()))
	mock.ExpectExec("UPDATE import_batches SET status").
		WithArgs("processing", sqlmock.AnyArg(), int64(7), "uploaded", "failed", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := service.Confirm(7)
	assert.ErrorIs(t, err, ErrBatchNotConfirmable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestImportService_ConfirmLosesClaimRace(t *testing.T) {
	service, mock, closeDB := newTestImportService(t)
	defer closeDB()

	path := writeImportFile(t,
		"1,3,,mensalidade_associacao,30.00,2026-03-01,2026-03-10,pago,Março\n")

	// both confirms read the batch as uploaded, but only the winner's
	// claim update matches; the loser stops before ingesting anything
	mock.ExpectQuery("FROM import_batches").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(batchColumns).
			AddRow(7, path, 42, "uploaded", "key-1", 0, "[]", nil, time.Now(), time.Now()))
	mock.ExpectExec("UPDATE import_batches SET status").
		WithArgs("processing", sqlmock.AnyArg(), int64(7), "uploaded", "failed", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := service.Confirm(7)
	assert.ErrorIs(t, err, ErrBatchNotConfirmable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestImportService_ConfirmReclaimsStaleProcessing(t *testing.T) {
	service, mock, closeDB := newTestImportService(t)
	defer closeDB()

	path := writeImportFile(t,
		"1,3,,contribuicao_interna,20.00,2026-03-01,,pendente,\n")

	// the previous worker died mid-confirm two hours ago; the claim
	// window has passed, so this confirm takes the batch over
	mock.ExpectQuery("FROM import_batches").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(batchColumns).
			AddRow(7, path, 42, "processing", "key-1", 0, "[]", nil,
				time.Now().Add(-2*time.Hour), time.Now().Add(-2*time.Hour)))
	mock.ExpectExec("UPDATE import_batches SET status").
		WithArgs("processing", sqlmock.AnyArg(), int64(7), "uploaded", "failed", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectQuery("SELECT EXISTS\\(SELECT 1 FROM cost_centers").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("SELECT EXISTS\\(SELECT 1 FROM member_accounts").
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("SELECT 1 FROM ledger_entries").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO ledger_entries").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(700))
	mock.ExpectCommit()

	mock.ExpectExec("UPDATE import_batches").
		WithArgs("completed", 1, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := service.Confirm(7)
	assert.NoError(t, err)
	assert.Equal(t, models.BatchCompleted, result.Status)
	assert.Equal(t, 1, result.RowsProcessed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestImportService_ReprocessKeepsErrorHistory(t *testing.T) {
	service, mock, closeDB := newTestImportService(t)
	defer closeDB()

	path := writeImportFile(t,
		"1,3,,contribuicao_interna,20.00,2026-03-01,,pendente,\n")

	storedErrors := `["row 3: unknown type \"doacao\""]`
	mock.ExpectQuery("FROM import_batches").
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows(batchColumns).
			AddRow(9, "/tmp/pagamentos.csv", 42, "completed", "key-3", 1,
				storedErrors, "/tmp/pagamentos.errors.csv", time.Now(), time.Now()))

	mock.ExpectQuery("SELECT EXISTS\\(SELECT 1 FROM cost_centers").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("SELECT EXISTS\\(SELECT 1 FROM member_accounts").
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("SELECT 1 FROM ledger_entries").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO ledger_entries").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(800))
	mock.ExpectCommit()

	// the original confirm's errors and error file survive the rerun
	mock.ExpectExec("UPDATE import_batches").
		WithArgs("completed", 2, storedErrors, "/tmp/pagamentos.errors.csv", sqlmock.AnyArg(), int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := service.Reprocess(9, path)
	assert.NoError(t, err)
	assert.Equal(t, 2, result.RowsProcessed)
	assert.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "doacao")
	assert.Equal(t, "/tmp/pagamentos.errors.csv", result.ErrorFilePath)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestImportService_DuplicateRowsSkipped(t *testing.T) {
	service, mock, closeDB := newTestImportService(t)
	defer closeDB()

	path := writeImportFile(t,
		"1,3,,contribuicao_interna,20.00,2026-03-01,,pendente,\n"+
			"1,3,,contribuicao_interna,20.00,2026-03-01,,pendente,\n")

	mock.ExpectQuery("FROM import_batches").
		WithArgs(int64(8)).
		WillReturnRows(sqlmock.NewRows(batchColumns).
			AddRow(8, path, 42, "uploaded", "key-2", 0, "[]", nil, time.Now(), time.Now()))
	mock.ExpectExec("UPDATE import_batches SET status").
		WithArgs("processing", sqlmock.AnyArg(), int64(8), "uploaded", "failed", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	for i := 0; i < 2; i++ {
		mock.ExpectQuery("SELECT EXISTS\\(SELECT 1 FROM cost_centers").
			WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		mock.ExpectQuery("SELECT EXISTS\\(SELECT 1 FROM member_accounts").
			WithArgs(int64(3)).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		if i == 0 {
			mock.ExpectQuery("SELECT 1 FROM ledger_entries").
				WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		}
	}

	// only the first row reaches the chunk; pending rows move no money
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO ledger_entries").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(600))
	mock.ExpectCommit()

	mock.ExpectExec("UPDATE import_batches").
		WithArgs("completed", 1, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), int64(8)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := service.Confirm(8)
	assert.NoError(t, err)
	assert.Equal(t, 1, result.RowsProcessed)
	assert.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "duplicate")
	assert.NoError(t, mock.ExpectationsWereMet())
}
