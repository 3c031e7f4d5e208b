package audit

import (
	"encoding/json"
	"log"
	"time"

	"github.com/shopspring/decimal"
)

type Event struct {
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	EntryID   int64     `json:"entry_id,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	Status    string    `json:"status"`
	Details   any       `json:"details"`
}

// Logger writes append-only JSON audit events. Events are never
// mutated or deleted.
type Logger struct{}

func NewLogger() *Logger {
	return &Logger{}
}

func (a *Logger) LogTransition(entryID int64, actor, from, to string) {
	a.log(Event{
		Timestamp: time.Now(),
		EventType: "ENTRY_TRANSITION",
		EntryID:   entryID,
		Actor:     actor,
		Status:    "SUCCESS",
		Details: map[string]string{
			"from": from,
			"to":   to,
		},
	})
}

func (a *Logger) LogAdjustment(entryID, adjustmentID int64, actor, reason string, delta decimal.Decimal) {
	a.log(Event{
		Timestamp: time.Now(),
		EventType: "ENTRY_ADJUSTED",
		EntryID:   entryID,
		Actor:     actor,
		Status:    "SUCCESS",
		Details: map[string]string{
			"adjustment_entry_id": decimal.NewFromInt(adjustmentID).String(),
			"delta":               delta.String(),
			"reason":              reason,
		},
	})
}

func (a *Logger) LogDistribution(eventID int64, total decimal.Decimal, participants int) {
	a.log(Event{
		Timestamp: time.Now(),
		EventType: "REVENUE_DISTRIBUTED",
		Status:    "SUCCESS",
		Details: map[string]any{
			"event_id":     eventID,
			"total":        total.String(),
			"participants": participants,
		},
	})
}

func (a *Logger) LogImportBatch(batchID int64, status string, processed, failed int) {
	a.log(Event{
		Timestamp: time.Now(),
		EventType: "IMPORT_BATCH",
		Status:    status,
		Details: map[string]int{
			"batch_id":  int(batchID),
			"processed": processed,
			"failed":    failed,
		},
	})
}

func (a *Logger) LogError(entryID int64, actor string, err error) {
	a.log(Event{
		Timestamp: time.Now(),
		EventType: "ERROR",
		EntryID:   entryID,
		Actor:     actor,
		Status:    "FAILED",
		Details:   map[string]string{"error": err.Error()},
	})
}

func (a *Logger) LogJobDropped(job string, attempts int, err error) {
	a.log(Event{
		Timestamp: time.Now(),
		EventType: "JOB_DROPPED",
		Status:    "FAILED",
		Details: map[string]any{
			"job":      job,
			"attempts": attempts,
			"error":    err.Error(),
		},
	})
}

func (a *Logger) log(event Event) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
