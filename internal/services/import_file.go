package services

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/assohub/backend/internal/models"
)

// Import file column names (legacy wire format).
const (
	colCostCenter    = "cost_center_id"
	colMemberAccount = "conta_associado_id"
	colEmail         = "email"
	colType          = "tipo"
	colAmount        = "valor"
	colIssuedAt      = "data_lancamento"
	colDueAt         = "data_vencimento"
	colStatus        = "status"
	colDescription   = "descricao"
)

var requiredColumns = []string{colCostCenter, colType, colAmount, colIssuedAt, colStatus}

// importReader streams rows from a CSV or XLSX payment file.
type importReader interface {
	Header() []string
	// Next returns the next data record and its 1-based line number.
	Next() (record []string, line int, err error) // io.EOF at end
	Close() error
}

// newImportReader picks a reader by file extension. Unknown extensions
// and unreadable files fail the whole operation.
func newImportReader(path string) (importReader, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return newCSVReader(path)
	case ".xlsx":
		return newXLSXReader(path)
	default:
		return nil, fmt.Errorf("unsupported file extension %q (want .csv or .xlsx)", filepath.Ext(path))
	}
}

type csvReader struct {
	file   *os.File
	reader *csv.Reader
	header []string
	line   int
}

func newCSVReader(path string) (*csvReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open import file: %w", err)
	}
	r := csv.NewReader(file)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("read header: %w", err)
	}
	return &csvReader{file: file, reader: r, header: normalizeHeader(header), line: 1}, nil
}

func (r *csvReader) Header() []string { return r.header }

func (r *csvReader) Next() ([]string, int, error) {
	record, err := r.reader.Read()
	if err != nil {
		return nil, 0, err
	}
	r.line++
	return record, r.line, nil
}

func (r *csvReader) Close() error { return r.file.Close() }

type xlsxReader struct {
	file   *excelize.File
	rows   *excelize.Rows
	header []string
	line   int
}

func newXLSXReader(path string) (*xlsxReader, error) {
	file, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open import file: %w", err)
	}
	sheets := file.GetSheetList()
	if len(sheets) == 0 {
		file.Close()
		return nil, fmt.Errorf("workbook has no sheets")
	}
	rows, err := file.Rows(sheets[0])
	if err != nil {
		file.Close()
		return nil, err
	}
	if !rows.Next() {
		rows.Close()
		file.Close()
		return nil, fmt.Errorf("read header: file is empty")
	}
	header, err := rows.Columns()
	if err != nil {
		rows.Close()
		file.Close()
		return nil, fmt.Errorf("read header: %w", err)
	}
	return &xlsxReader{file: file, rows: rows, header: normalizeHeader(header), line: 1}, nil
}

func (r *xlsxReader) Header() []string { return r.header }

func (r *xlsxReader) Next() ([]string, int, error) {
	if !r.rows.Next() {
		if err := r.rows.Error(); err != nil {
			return nil, 0, err
		}
		return nil, 0, io.EOF
	}
	record, err := r.rows.Columns()
	if err != nil {
		return nil, 0, err
	}
	r.line++
	return record, r.line, nil
}

func (r *xlsxReader) Close() error {
	r.rows.Close()
	return r.file.Close()
}

func normalizeHeader(header []string) []string {
	out := make([]string, len(header))
	for i, h := range header {
		out[i] = strings.ToLower(strings.TrimSpace(h))
	}
	return out
}

// columnIndex maps header names to positions and verifies the required
// columns, including the conta_associado_id|email alternative.
func columnIndex(header []string) (map[string]int, error) {
	index := map[string]int{}
	for i, name := range header {
		if name != "" {
			index[name] = i
		}
	}

	missing := []string{}
	for _, col := range requiredColumns {
		if _, ok := index[col]; !ok {
			missing = append(missing, col)
		}
	}
	_, hasAccount := index[colMemberAccount]
	_, hasEmail := index[colEmail]
	if !hasAccount && !hasEmail {
		missing = append(missing, colMemberAccount+"|"+colEmail)
	}
	if len(missing) > 0 {
		return nil, &MissingColumnsError{Columns: missing}
	}
	return index, nil
}

func cell(record []string, index map[string]int, column string) string {
	i, ok := index[column]
	if !ok || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

// parsedRow is one validated import row ready for resolution against
// the ledger store.
type parsedRow struct {
	Line            int
	Record          []string
	CostCenterID    int64
	MemberAccountID int64 // zero until resolved when referenced by email
	Email           string
	Type            models.EntryType
	Amount          decimal.Decimal
	IssuedAt        time.Time
	DueAt           time.Time
	Status          models.EntryStatus
	Description     string
}

// parseImportRow validates one record's shape: ids, type, signed
// amount (negative only for expenses), ISO dates with the due date
// defaulting to the issue date, and a known status.
func parseImportRow(record []string, index map[string]int, line int) (*parsedRow, error) {
	row := &parsedRow{Line: line, Record: record}

	ccRaw := cell(record, index, colCostCenter)
	if ccRaw == "" {
		return nil, fmt.Errorf("row %d: %s is required", line, colCostCenter)
	}
	ccID, err := strconv.ParseInt(ccRaw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("row %d: invalid %s %q", line, colCostCenter, ccRaw)
	}
	row.CostCenterID = ccID

	accountRaw := cell(record, index, colMemberAccount)
	row.Email = cell(record, index, colEmail)
	if accountRaw != "" {
		accountID, err := strconv.ParseInt(accountRaw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("row %d: invalid %s %q", line, colMemberAccount, accountRaw)
		}
		row.MemberAccountID = accountID
	} else if row.Email == "" {
		return nil, fmt.Errorf("row %d: %s or %s is required", line, colMemberAccount, colEmail)
	}

	row.Type = models.EntryType(cell(record, index, colType))
	if !row.Type.Valid() {
		return nil, fmt.Errorf("row %d: unknown type %q", line, cell(record, index, colType))
	}

	row.Amount, err = models.ParseAmount(cell(record, index, colAmount))
	if err != nil {
		return nil, fmt.Errorf("row %d: %v", line, err)
	}
	if row.Amount.IsNegative() && row.Type != models.EntryTypeExpense {
		return nil, fmt.Errorf("row %d: negative amounts are allowed only for %s entries", line, models.EntryTypeExpense)
	}

	row.IssuedAt, err = parseISODate(cell(record, index, colIssuedAt))
	if err != nil {
		return nil, fmt.Errorf("row %d: invalid %s: %v", line, colIssuedAt, err)
	}

	dueRaw := cell(record, index, colDueAt)
	if dueRaw == "" {
		row.DueAt = row.IssuedAt
	} else {
		row.DueAt, err = parseISODate(dueRaw)
		if err != nil {
			return nil, fmt.Errorf("row %d: invalid %s: %v", line, colDueAt, err)
		}
		if row.DueAt.Before(row.IssuedAt) {
			return nil, fmt.Errorf("row %d: %s precedes %s", line, colDueAt, colIssuedAt)
		}
	}

	row.Status = models.EntryStatus(cell(record, index, colStatus))
	if !row.Status.Valid() {
		return nil, fmt.Errorf("row %d: unknown status %q", line, cell(record, index, colStatus))
	}

	row.Description = cell(record, index, colDescription)
	return row, nil
}

func parseISODate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("date is empty")
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC().Truncate(24 * time.Hour), nil
	}
	return time.Time{}, fmt.Errorf("%q is not an ISO-8601 date", s)
}

// dedupKey identifies a row for exact-duplicate detection within one
// file and against the ledger.
func (p *parsedRow) dedupKey() string {
	return strings.Join([]string{
		strconv.FormatInt(p.CostCenterID, 10),
		strconv.FormatInt(p.MemberAccountID, 10),
		string(p.Type),
		p.Amount.String(),
		p.IssuedAt.Format("2006-01-02"),
		p.DueAt.Format("2006-01-02"),
		string(p.Status),
	}, "|")
}
