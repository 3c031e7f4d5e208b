package models

import "time"

// Import batch statuses.
type BatchStatus string

const (
	BatchUploaded   BatchStatus = "uploaded"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

// ImportBatch tracks one uploaded payment file through the two-phase
// import pipeline.
type ImportBatch struct {
	ID             int64       `json:"id" db:"id"`
	FilePath       string      `json:"file_path" db:"file_path"`
	UploadedBy     int64       `json:"uploaded_by" db:"uploaded_by"`
	Status         BatchStatus `json:"status" db:"status"`
	IdempotencyKey string      `json:"idempotency_key" db:"idempotency_key"`
	RowsProcessed  int         `json:"rows_processed" db:"rows_processed"`
	RowErrors      []string    `json:"row_errors" db:"row_errors"`
	ErrorFilePath  string      `json:"error_file_path" db:"error_file_path"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at" db:"updated_at"`
}
