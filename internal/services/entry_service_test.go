package services

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assohub/backend/internal/audit"
	"github.com/assohub/backend/internal/notify"
)

var entryTestColumns = []string{
	"id", "cost_center_id", "member_account_id", "wallet_id", "wallet_counterparty_id",
	"type", "amount", "issued_at", "due_at", "status", "description", "adjusted",
	"original_entry_id", "import_batch_id", "created_at", "updated_at",
}

func entryRow(id, ccID int64, maID interface{}, entryType, amount, status string, adjusted bool) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(entryTestColumns).
		AddRow(id, ccID, maID, nil, nil, entryType, amount, now, now, status, "", adjusted, nil, nil, now, now)
}

func newTestEntryService(t *testing.T) (*LedgerEntryService, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)

	balance := NewWalletBalanceService(db, true)
	auditLogger := audit.NewLogger()
	distribution := NewRevenueDistributionService(db, balance, nil, auditLogger)
	service := NewLedgerEntryService(db, balance, distribution, auditLogger, notify.NewLogNotifier())
	return service, mock, func() { db.Close() }
}

func TestLedgerEntryService_MarkPaid(t *testing.T) {
	service, mock, closeDB := newTestEntryService(t)
	defer closeDB()

	t.Run("pending entry is paid and both wallets credited", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("FROM ledger_entries WHERE id = \\$1 FOR UPDATE").
			WithArgs(int64(5)).
			WillReturnRows(entryRow(5, 1, int64(3), "mensalidade_associacao", "30.00", "pendente", false))

		mock.ExpectQuery("SELECT id FROM wallets").
			WithArgs(int64(1), "operacional").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(10))
		mock.ExpectQuery("SELECT id FROM wallets").
			WithArgs(int64(3), "operacional").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(20))

		mock.ExpectQuery("SELECT balance::text FROM wallets").
			WithArgs(int64(10)).
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("0.00"))
		mock.ExpectExec("UPDATE wallets SET balance").
			WithArgs("30.00", sqlmock.AnyArg(), int64(10)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE cost_centers SET balance").
			WithArgs("30.00", sqlmock.AnyArg(), int64(1)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("SELECT balance::text FROM wallets").
			WithArgs(int64(20)).
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("0.00"))
		mock.ExpectExec("UPDATE wallets SET balance").
			WithArgs("30.00", sqlmock.AnyArg(), int64(20)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE member_accounts SET balance").
			WithArgs("30.00", sqlmock.AnyArg(), int64(3)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectExec("UPDATE ledger_entries").
			WithArgs("pago", int64(10), int64(20), sqlmock.AnyArg(), int64(5)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		mock.ExpectQuery("SELECT user_id FROM member_accounts").
			WithArgs(int64(3)).
			WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow(9))

		err := service.MarkPaid(5, "tester")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("paying a paid entry is rejected", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("FROM ledger_entries WHERE id = \\$1 FOR UPDATE").
			WithArgs(int64(5)).
			WillReturnRows(entryRow(5, 1, int64(3), "mensalidade_associacao", "30.00", "pago", false))
		mock.ExpectRollback()

		err := service.MarkPaid(5, "tester")
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("canceled entry cannot be paid", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("FROM ledger_entries WHERE id = \\$1 FOR UPDATE").
			WithArgs(int64(6)).
			WillReturnRows(entryRow(6, 1, nil, "despesa", "-12.00", "cancelado", false))
		mock.ExpectRollback()

		err := service.MarkPaid(6, "tester")
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})
}

func TestLedgerEntryService_Cancel(t *testing.T) {
	service, mock, closeDB := newTestEntryService(t)
	defer closeDB()

	t.Run("pending entry is canceled", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("FROM ledger_entries WHERE id = \\$1 FOR UPDATE").
			WithArgs(int64(8)).
			WillReturnRows(entryRow(8, 1, int64(3), "contribuicao_interna", "15.00", "pendente", false))
		mock.ExpectExec("UPDATE ledger_entries SET status").
			WithArgs("cancelado", sqlmock.AnyArg(), int64(8)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := service.Cancel(8, "tester")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("paid entry is never cancelable", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("FROM ledger_entries WHERE id = \\$1 FOR UPDATE").
			WithArgs(int64(8)).
			WillReturnRows(entryRow(8, 1, int64(3), "contribuicao_interna", "15.00", "pago", false))
		mock.ExpectRollback()

		err := service.Cancel(8, "tester")
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})
}

func TestLedgerEntryService_Adjust(t *testing.T) {
	service, mock, closeDB := newTestEntryService(t)
	defer closeDB()

	t.Run("paid entry gets a compensating adjustment", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("FROM ledger_entries WHERE id = \\$1 FOR UPDATE").
			WithArgs(int64(5)).
			WillReturnRows(entryRow(5, 1, int64(3), "mensalidade_associacao", "100.00", "pago", false))

		mock.ExpectQuery("SELECT id FROM wallets").
			WithArgs(int64(1), "operacional").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(10))
		mock.ExpectQuery("SELECT id FROM wallets").
			WithArgs(int64(3), "operacional").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(20))

		mock.ExpectQuery("INSERT INTO ledger_entries").
			WithArgs(int64(1), int64(3), int64(10), int64(20), "ajuste", "50.00",
				sqlmock.AnyArg(), sqlmock.AnyArg(), "pago", "Ajuste: valor corrigido",
				false, int64(5), nil, sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(99))

		mock.ExpectQuery("SELECT balance::text FROM wallets").
			WithArgs(int64(10)).
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("100.00"))
		mock.ExpectExec("UPDATE wallets SET balance").
			WithArgs("150.00", sqlmock.AnyArg(), int64(10)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE cost_centers SET balance").
			WithArgs("50.00", sqlmock.AnyArg(), int64(1)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("SELECT balance::text FROM wallets").
			WithArgs(int64(20)).
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("100.00"))
		mock.ExpectExec("UPDATE wallets SET balance").
			WithArgs("150.00", sqlmock.AnyArg(), int64(20)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE member_accounts SET balance").
			WithArgs("50.00", sqlmock.AnyArg(), int64(3)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectExec("UPDATE ledger_entries").
			WithArgs(int64(10), int64(20), sqlmock.AnyArg(), int64(5)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		mock.ExpectQuery("SELECT user_id FROM member_accounts").
			WithArgs(int64(3)).
			WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow(9))

		adjustment, err := service.Adjust(5, dec("150.00"), "valor corrigido", "tester")
		require.NoError(t, err)
		assert.Equal(t, int64(99), adjustment.ID)
		assert.True(t, adjustment.Amount.Equal(dec("50.00")))
		assert.Equal(t, int64(5), *adjustment.OriginalEntryID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already adjusted entry is rejected", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("FROM ledger_entries WHERE id = \\$1 FOR UPDATE").
			WithArgs(int64(5)).
			WillReturnRows(entryRow(5, 1, int64(3), "mensalidade_associacao", "100.00", "pago", true))
		mock.ExpectRollback()

		_, err := service.Adjust(5, dec("150.00"), "valor corrigido", "tester")
		assert.ErrorIs(t, err, ErrNotAdjustable)
	})

	t.Run("pending entry is rejected", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("FROM ledger_entries WHERE id = \\$1 FOR UPDATE").
			WithArgs(int64(5)).
			WillReturnRows(entryRow(5, 1, int64(3), "mensalidade_associacao", "100.00", "pendente", false))
		mock.ExpectRollback()

		_, err := service.Adjust(5, dec("150.00"), "valor corrigido", "tester")
		assert.ErrorIs(t, err, ErrNotAdjustable)
	})
}

func TestLedgerEntryService_Handlers(t *testing.T) {
	service, mock, closeDB := newTestEntryService(t)
	defer closeDB()

	t.Run("invalid request body", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/entries", bytes.NewBufferString("invalid"))
		w := httptest.NewRecorder()

		service.CreateEntry(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown entry type", func(t *testing.T) {
		body := `{"cost_center_id":1,"type":"bogus","amount":"10.00","issued_at":"2026-03-01"}`
		r := httptest.NewRequest("POST", "/entries", bytes.NewBufferString(body))
		w := httptest.NewRecorder()

		service.CreateEntry(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("negative amount on non-expense type", func(t *testing.T) {
		body := `{"cost_center_id":1,"type":"mensalidade_associacao","amount":"-10.00","issued_at":"2026-03-01"}`
		r := httptest.NewRequest("POST", "/entries", bytes.NewBufferString(body))
		w := httptest.NewRecorder()

		service.CreateEntry(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("pay conflict maps to 409", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("FROM ledger_entries WHERE id = \\$1 FOR UPDATE").
			WithArgs(int64(5)).
			WillReturnRows(entryRow(5, 1, int64(3), "mensalidade_associacao", "30.00", "pago", false))
		mock.ExpectRollback()

		router := chi.NewRouter()
		router.Post("/entries/{entryId}/pay", service.PayEntry)

		req := httptest.NewRequest("POST", "/entries/5/pay", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusConflict, w.Code)
	})
}
