// Package teller defines the wire message types and routing identifiers for
// the teller service surface: unary payments, streamed transaction history,
// and bidirectional chat.
package teller

import (
	"hash/fnv"
)

func hashName(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}

var (
	PaymentServiceID           = hashName("teller.PaymentService")
	ProcessPaymentMethodID     = hashName("teller.PaymentService.ProcessPayment")
	LedgerServiceID            = hashName("teller.LedgerService")
	TransactionHistoryMethodID = hashName("teller.LedgerService.GetTransactionHistory")
	ChatServiceID              = hashName("teller.ChatService")
	ChatMethodID               = hashName("teller.ChatService.Chat")
)
