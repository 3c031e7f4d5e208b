package notify

import "log"

// Notifier delivers user notifications. Delivery (push, email,
// WhatsApp) is owned by the membership application; the ledger only
// fires and forgets. Failures are logged by callers, never raised.
type Notifier interface {
	Notify(userID int64, templateCode string, context map[string]string) error
}

// LogNotifier is the default sender used when no delivery backend is
// wired in; it records the notification intent.
type LogNotifier struct{}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Notify(userID int64, templateCode string, context map[string]string) error {
	log.Printf("[NOTIFY] user=%d template=%s context=%v", userID, templateCode, context)
	return nil
}
