package audit

import (
	"encoding/json"
	"time"

	"github.com/bluedollar/backend/internal/logger"
	"github.com/sirupsen/logrus"
)

type Event struct {
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	TxHash    string    `json:"tx_hash,omitempty"`
	Account   string    `json:"account,omitempty"`
	Amount    string    `json:"amount,omitempty"`
	Asset     string    `json:"asset,omitempty"`
	Status    string    `json:"status"`
	Details   any       `json:"details,omitempty"`
}

// Logger writes audit events as single JSON lines tagged audit=true.
type Logger struct {
	out *logrus.Logger
	now func() time.Time
}

func NewLogger() *Logger {
	return &Logger{out: logger.Get(), now: time.Now}
}

func (a *Logger) LogTransfer(txHash, from, to, amount, asset, status string) {
	a.log(Event{
		EventType: "TRANSFER",
		TxHash:    txHash,
		Account:   from,
		Amount:    amount,
		Asset:     asset,
		Status:    status,
		Details:   map[string]string{"from_account": from, "to_account": to},
	})
}

func (a *Logger) LogLedger(txHash, productID string, entries int, status string) {
	a.log(Event{
		EventType: "LEDGER_RECORD",
		TxHash:    txHash,
		Status:    status,
		Details:   map[string]any{"product_id": productID, "entries": entries},
	})
}

func (a *Logger) LogError(txHash, account string, err error) {
	a.log(Event{
		EventType: "ERROR",
		TxHash:    txHash,
		Account:   account,
		Status:    "FAILED",
		Details:   map[string]string{"error": err.Error()},
	})
}

func (a *Logger) LogOperation(operation, account, details string) {
	a.log(Event{
		EventType: operation,
		Account:   account,
		Status:    "SUCCESS",
		Details:   map[string]string{"details": details},
	})
}

func (a *Logger) log(event Event) {
	event.Timestamp = a.now()
	data, _ := json.Marshal(event)
	a.out.WithField("audit", true).Info(string(data))
}
