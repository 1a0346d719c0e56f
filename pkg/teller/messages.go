package teller

import (
	"time"

	"github.com/tellerhq/teller/pkg/serialize"
)

// PaymentRequest asks the payment service to process a single payment.
// Amount is in minor units of the given currency.
type PaymentRequest struct {
	Amount    uint64 `json:"amount"`
	Currency  string `json:"currency"`
	Reference string `json:"reference"`
}

func (p *PaymentRequest) ByteSize() int {
	size := 0
	size += serialize.ByteSizeUInt64(p.Amount)
	size += serialize.ByteSizeString(p.Currency)
	size += serialize.ByteSizeString(p.Reference)
	return size
}

func (p *PaymentRequest) Serialize(writer *serialize.FixedSizeWriter) {
	serialize.SerializeUInt64(writer, p.Amount)
	serialize.SerializeString(writer, p.Currency)
	serialize.SerializeString(writer, p.Reference)
}

func (p *PaymentRequest) Deserialize(reader *serialize.Reader) error {
	var err error
	err = serialize.DeserializeUInt64(&p.Amount, reader)
	if err != nil {
		return err
	}
	err = serialize.DeserializeString(&p.Currency, reader)
	if err != nil {
		return err
	}
	err = serialize.DeserializeString(&p.Reference, reader)
	if err != nil {
		return err
	}
	return nil
}

// PaymentResponse reports the outcome of exactly one processing attempt.
type PaymentResponse struct {
	Status string `json:"status"`
	ID     string `json:"id"`
}

func (p *PaymentResponse) ByteSize() int {
	size := 0
	size += serialize.ByteSizeString(p.Status)
	size += serialize.ByteSizeString(p.ID)
	return size
}

func (p *PaymentResponse) Serialize(writer *serialize.FixedSizeWriter) {
	serialize.SerializeString(writer, p.Status)
	serialize.SerializeString(writer, p.ID)
}

func (p *PaymentResponse) Deserialize(reader *serialize.Reader) error {
	var err error
	err = serialize.DeserializeString(&p.Status, reader)
	if err != nil {
		return err
	}
	err = serialize.DeserializeString(&p.ID, reader)
	if err != nil {
		return err
	}
	return nil
}

// HistoryRequest asks for the transaction history of one account.
type HistoryRequest struct {
	Account string `json:"account"`
}

func (h *HistoryRequest) ByteSize() int {
	return serialize.ByteSizeString(h.Account)
}

func (h *HistoryRequest) Serialize(writer *serialize.FixedSizeWriter) {
	serialize.SerializeString(writer, h.Account)
}

func (h *HistoryRequest) Deserialize(reader *serialize.Reader) error {
	return serialize.DeserializeString(&h.Account, reader)
}

// Transaction is one historical ledger entry, streamed out verbatim in
// source order.
type Transaction struct {
	ID        string    `json:"id"`
	Account   string    `json:"account"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	Memo      string    `json:"memo"`
	Timestamp time.Time `json:"timestamp"`
}

func (t *Transaction) ByteSize() int {
	size := 0
	size += serialize.ByteSizeString(t.ID)
	size += serialize.ByteSizeString(t.Account)
	size += serialize.ByteSizeInt64(t.Amount)
	size += serialize.ByteSizeString(t.Currency)
	size += serialize.ByteSizeString(t.Memo)
	size += serialize.ByteSizeTime(t.Timestamp)
	return size
}

func (t *Transaction) Serialize(writer *serialize.FixedSizeWriter) {
	serialize.SerializeString(writer, t.ID)
	serialize.SerializeString(writer, t.Account)
	serialize.SerializeInt64(writer, t.Amount)
	serialize.SerializeString(writer, t.Currency)
	serialize.SerializeString(writer, t.Memo)
	serialize.SerializeTime(writer, t.Timestamp)
}

func (t *Transaction) Deserialize(reader *serialize.Reader) error {
	var err error
	err = serialize.DeserializeString(&t.ID, reader)
	if err != nil {
		return err
	}
	err = serialize.DeserializeString(&t.Account, reader)
	if err != nil {
		return err
	}
	err = serialize.DeserializeInt64(&t.Amount, reader)
	if err != nil {
		return err
	}
	err = serialize.DeserializeString(&t.Currency, reader)
	if err != nil {
		return err
	}
	err = serialize.DeserializeString(&t.Memo, reader)
	if err != nil {
		return err
	}
	err = serialize.DeserializeTime(&t.Timestamp, reader)
	if err != nil {
		return err
	}
	return nil
}

// ChatJoin is the initial request opening a chat stream.
type ChatJoin struct {
	Sender string `json:"sender"`
}

func (c *ChatJoin) ByteSize() int {
	return serialize.ByteSizeString(c.Sender)
}

func (c *ChatJoin) Serialize(writer *serialize.FixedSizeWriter) {
	serialize.SerializeString(writer, c.Sender)
}

func (c *ChatJoin) Deserialize(reader *serialize.Reader) error {
	return serialize.DeserializeString(&c.Sender, reader)
}

// ChatMessage flows in both directions on a chat stream.
type ChatMessage struct {
	Sender string    `json:"sender"`
	Text   string    `json:"text"`
	SentAt time.Time `json:"sent_at"`
}

func (c *ChatMessage) ByteSize() int {
	size := 0
	size += serialize.ByteSizeString(c.Sender)
	size += serialize.ByteSizeString(c.Text)
	size += serialize.ByteSizeTime(c.SentAt)
	return size
}

func (c *ChatMessage) Serialize(writer *serialize.FixedSizeWriter) {
	serialize.SerializeString(writer, c.Sender)
	serialize.SerializeString(writer, c.Text)
	serialize.SerializeTime(writer, c.SentAt)
}

func (c *ChatMessage) Deserialize(reader *serialize.Reader) error {
	var err error
	err = serialize.DeserializeString(&c.Sender, reader)
	if err != nil {
		return err
	}
	err = serialize.DeserializeString(&c.Text, reader)
	if err != nil {
		return err
	}
	err = serialize.DeserializeTime(&c.SentAt, reader)
	if err != nil {
		return err
	}
	return nil
}
