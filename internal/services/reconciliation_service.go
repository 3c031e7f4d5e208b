package services

import (
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/shopspring/decimal"

	"github.com/assohub/backend/internal/models"
)

const (
	ReconciliationOK        = "OK"
	ReconciliationDivergent = "DIVERGENT"
)

// ReconciliationRow compares one wallet's stored balance against the
// balance recomputed from its paid ledger entries.
type ReconciliationRow struct {
	WalletID        int64
	CostCenterID    *int64
	MemberAccountID *int64
	Registered      decimal.Decimal
	Calculated      decimal.Decimal
	Diff            decimal.Decimal
	Status          string
}

// ReconciliationService recomputes wallet balances from the ledger.
// A wallet's calculated balance is the sum of paid entry amounts where
// the wallet is the principal plus the sum where it is the counterparty.
type ReconciliationService struct {
	db *sql.DB
}

func NewReconciliationService(db *sql.DB) *ReconciliationService {
	return &ReconciliationService{db: db}
}

// Report reconciles every wallet, or only the wallets of one cost
// center when costCenterID is non-zero.
func (s *ReconciliationService) Report(costCenterID int64) ([]ReconciliationRow, error) {
	query := `
		SELECT w.id, w.cost_center_id, w.member_account_id, w.balance::text,
		       COALESCE((SELECT SUM(amount) FROM ledger_entries WHERE wallet_id = w.id AND status = $1), 0)::text,
		       COALESCE((SELECT SUM(amount) FROM ledger_entries WHERE wallet_counterparty_id = w.id AND status = $1), 0)::text
		FROM wallets w`
	args := []any{string(models.StatusPaid)}
	if costCenterID != 0 {
		query += ` WHERE w.cost_center_id = $2`
		args = append(args, costCenterID)
	}
	query += ` ORDER BY w.id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("reconciliation query: %w", err)
	}
	defer rows.Close()

	report := []ReconciliationRow{}
	for rows.Next() {
		var row ReconciliationRow
		var ccID, maID sql.NullInt64
		var registered, principal, counterparty string
		if err := rows.Scan(&row.WalletID, &ccID, &maID, &registered, &principal, &counterparty); err != nil {
			return nil, err
		}
		if ccID.Valid {
			row.CostCenterID = &ccID.Int64
		}
		if maID.Valid {
			row.MemberAccountID = &maID.Int64
		}

		reg, err := decimal.NewFromString(registered)
		if err != nil {
			return nil, fmt.Errorf("wallet %d: bad registered balance %q", row.WalletID, registered)
		}
		prin, err := decimal.NewFromString(principal)
		if err != nil {
			return nil, fmt.Errorf("wallet %d: bad principal sum %q", row.WalletID, principal)
		}
		cpty, err := decimal.NewFromString(counterparty)
		if err != nil {
			return nil, fmt.Errorf("wallet %d: bad counterparty sum %q", row.WalletID, counterparty)
		}

		row.Registered = models.Quantize2(reg)
		row.Calculated = models.Quantize2(prin.Add(cpty))
		row.Diff = row.Registered.Sub(row.Calculated)
		row.Status = ReconciliationOK
		if !row.Diff.IsZero() {
			row.Status = ReconciliationDivergent
		}
		report = append(report, row)
	}
	return report, rows.Err()
}

// Divergent reports whether any row in the report diverges.
func Divergent(report []ReconciliationRow) bool {
	for _, row := range report {
		if row.Status == ReconciliationDivergent {
			return true
		}
	}
	return false
}

// WriteTable prints the report as an aligned console table.
func WriteTable(w io.Writer, report []ReconciliationRow) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WALLET\tOWNER\tREGISTERED\tCALCULATED\tDIFF\tSTATUS")
	for _, row := range report {
		owner := "-"
		if row.CostCenterID != nil {
			owner = fmt.Sprintf("cc:%d", *row.CostCenterID)
		} else if row.MemberAccountID != nil {
			owner = fmt.Sprintf("ma:%d", *row.MemberAccountID)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			row.WalletID, owner,
			row.Registered.StringFixed(2), row.Calculated.StringFixed(2),
			row.Diff.StringFixed(2), row.Status)
	}
	return tw.Flush()
}

var reconciliationHeader = []string{"wallet_id", "registered", "calculated", "diff", "status"}

// WriteReportCSV writes the report in the format ParseReportCSV reads.
func WriteReportCSV(w io.Writer, report []ReconciliationRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(reconciliationHeader); err != nil {
		return err
	}
	for _, row := range report {
		record := []string{
			strconv.FormatInt(row.WalletID, 10),
			row.Registered.StringFixed(2),
			row.Calculated.StringFixed(2),
			row.Diff.StringFixed(2),
			row.Status,
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ParseReportCSV reads a report previously written by WriteReportCSV.
func ParseReportCSV(r io.Reader) ([]ReconciliationRow, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read report header: %w", err)
	}
	if len(header) != len(reconciliationHeader) {
		return nil, fmt.Errorf("unexpected report header %v", header)
	}

	report := []ReconciliationRow{}
	for line := 2; ; line++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(record) != len(reconciliationHeader) {
			return nil, fmt.Errorf("line %d: expected %d fields, got %d", line, len(reconciliationHeader), len(record))
		}

		var row ReconciliationRow
		row.WalletID, err = strconv.ParseInt(record[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad wallet id %q", line, record[0])
		}
		if row.Registered, err = decimal.NewFromString(record[1]); err != nil {
			return nil, fmt.Errorf("line %d: bad registered balance %q", line, record[1])
		}
		if row.Calculated, err = decimal.NewFromString(record[2]); err != nil {
			return nil, fmt.Errorf("line %d: bad calculated balance %q", line, record[2])
		}
		if row.Diff, err = decimal.NewFromString(record[3]); err != nil {
			return nil, fmt.Errorf("line %d: bad diff %q", line, record[3])
		}
		row.Status = record[4]
		if row.Status != ReconciliationOK && row.Status != ReconciliationDivergent {
			return nil, fmt.Errorf("line %d: bad status %q", line, record[4])
		}
		report = append(report, row)
	}
	return report, nil
}
