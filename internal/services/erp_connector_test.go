package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/assohub/backend/internal/audit"
	"github.com/assohub/backend/internal/config"
	"github.com/assohub/backend/internal/models"
)

func erpTestConfig() *config.ERPConfig {
	return &config.ERPConfig{
		DefaultTimeout:       time.Second,
		DefaultMaxRetries:    3,
		DefaultRetryInterval: time.Millisecond,
		StaleKeyAge:          24 * time.Hour,
	}
}

func expectIntegrationConfig(mock sqlmock.Sqlmock, baseURL string) {
	mock.ExpectQuery("FROM integration_configs").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "organization_id", "provider", "base_url", "api_key",
			"timeout_ms", "max_retries", "retry_interval_ms",
		}).AddRow(1, 1, "contaazul", baseURL, "secret", 1000, 2, 1))
}

func testEntry() *models.LedgerEntry {
	return &models.LedgerEntry{
		ID:           5,
		CostCenterID: 1,
		Type:         models.EntryTypeAssociationDues,
		Amount:       dec("30.00"),
		Status:       models.StatusPaid,
	}
}

func TestERPConnector_SendEntry(t *testing.T) {
	t.Run("retries transient failures and completes the key", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		var calls int32
		var lastKey atomic.Value
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			lastKey.Store(r.Header.Get("Idempotency-Key"))
			assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
			assert.Equal(t, "/entries", r.URL.Path)
			if atomic.AddInt32(&calls, 1) == 1 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		expectIntegrationConfig(mock, server.URL)
		mock.ExpectExec("INSERT INTO idempotency_records").
			WithArgs(sqlmock.AnyArg(), int64(1), "entry_sync", "pending", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO integration_logs").
			WithArgs(int64(1), "contaazul", "entry_sync", "failure", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO integration_logs").
			WithArgs(int64(1), "contaazul", "entry_sync", "success", sqlmock.AnyArg(), "", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(2, 1))
		mock.ExpectExec("UPDATE idempotency_records").
			WithArgs("completed", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		connector := NewERPConnector(db, erpTestConfig(), audit.NewLogger())
		err = connector.SendEntry(context.Background(), 1, testEntry())
		assert.NoError(t, err)
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
		assert.NotEmpty(t, lastKey.Load())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("client errors are not retried", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusUnprocessableEntity)
		}))
		defer server.Close()

		expectIntegrationConfig(mock, server.URL)
		mock.ExpectExec("INSERT INTO idempotency_records").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO integration_logs").
			WillReturnResult(sqlmock.NewResult(1, 1))

		connector := NewERPConnector(db, erpTestConfig(), audit.NewLogger())
		err = connector.SendEntry(context.Background(), 1, testEntry())

		var connErr *ConnectorError
		assert.ErrorAs(t, err, &connErr)
		assert.Equal(t, 1, connErr.Attempts)
		assert.Equal(t, "contaazul", connErr.Provider)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("retries are exhausted", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		expectIntegrationConfig(mock, server.URL)
		mock.ExpectExec("INSERT INTO idempotency_records").
			WillReturnResult(sqlmock.NewResult(1, 1))
		// max_retries 2 means 3 attempts in total
		for i := 0; i < 3; i++ {
			mock.ExpectExec("INSERT INTO integration_logs").
				WillReturnResult(sqlmock.NewResult(int64(i+1), 1))
		}

		connector := NewERPConnector(db, erpTestConfig(), audit.NewLogger())
		err = connector.SendEntry(context.Background(), 1, testEntry())

		var connErr *ConnectorError
		assert.ErrorAs(t, err, &connErr)
		assert.Equal(t, 3, connErr.Attempts)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing integration config", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery("FROM integration_configs").
			WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		connector := NewERPConnector(db, erpTestConfig(), audit.NewLogger())
		err = connector.SendEntry(context.Background(), 1, testEntry())
		assert.ErrorContains(t, err, "no ERP integration configured")
	})
}

func TestERPConnector_ReconcilePayment(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/payments/reconcile", r.URL.Path)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	expectIntegrationConfig(mock, server.URL)
	mock.ExpectExec("INSERT INTO idempotency_records").
		WithArgs(sqlmock.AnyArg(), int64(1), "payment_reconcile", "pending", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO integration_logs").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE idempotency_records").
		WillReturnResult(sqlmock.NewResult(0, 1))

	connector := NewERPConnector(db, erpTestConfig(), audit.NewLogger())
	err = connector.ReconcilePayment(context.Background(), 1, testEntry())
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestERPConnector_ExpireStale(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE idempotency_records").
		WithArgs("expired", "pending", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 4))

	connector := NewERPConnector(db, erpTestConfig(), audit.NewLogger())
	swept, err := connector.ExpireStale(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, int64(4), swept)
	assert.NoError(t, mock.ExpectationsWereMet())
}
