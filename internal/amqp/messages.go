package amqp

import (
	"encoding/json"
	"errors"
	"time"

	"wedplan/internal/core"
)

// LineItemRecordedMessage announces a line item that has been stored and
// applied to its category. It carries everything the export worker writes,
// so the consumer does not have to read the database back.
type LineItemRecordedMessage struct {
	ItemID          int64     `json:"item_id"`
	Owner           string    `json:"owner"`
	CategoryID      int64     `json:"category_id"`
	CategoryName    string    `json:"category_name"`
	AmountCents     int64     `json:"amount_cents"`
	SpentAfterCents int64     `json:"spent_after_cents"`
	RecordedAt      time.Time `json:"recorded_at"`
	Timestamp       time.Time `json:"timestamp"`
}

var errMalformedMessage = errors.New("malformed line item message")

func NewLineItemRecordedMessage(e core.LedgerEntry) *LineItemRecordedMessage {
	return &LineItemRecordedMessage{
		ItemID:          e.ItemID,
		Owner:           e.Owner,
		CategoryID:      e.CategoryID,
		CategoryName:    e.CategoryName,
		AmountCents:     e.Amount.Cents,
		SpentAfterCents: e.SpentAfter.Cents,
		RecordedAt:      e.RecordedAt,
		Timestamp:       time.Now(),
	}
}

// Entry converts the message back into a ledger entry.
func (m *LineItemRecordedMessage) Entry() core.LedgerEntry {
	return core.LedgerEntry{
		ItemID:       m.ItemID,
		Owner:        m.Owner,
		CategoryID:   m.CategoryID,
		CategoryName: m.CategoryName,
		Amount:       core.Money{Cents: m.AmountCents},
		SpentAfter:   core.Money{Cents: m.SpentAfterCents},
		RecordedAt:   m.RecordedAt,
	}
}

func (m *LineItemRecordedMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// LineItemRecordedMessageFromJSON decodes and sanity-checks a message body.
func LineItemRecordedMessageFromJSON(data []byte) (*LineItemRecordedMessage, error) {
	var msg LineItemRecordedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.ItemID <= 0 || msg.Owner == "" || msg.CategoryID <= 0 || msg.AmountCents <= 0 {
		return nil, errMalformedMessage
	}
	return &msg, nil
}
