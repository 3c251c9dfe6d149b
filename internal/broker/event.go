// Package broker carries booking events over RabbitMQ: outbox messages are
// published to a topic exchange and payment confirmations are consumed from
// a durable queue.
package broker

// PaymentConfirmedEvent is delivered by the payment collaborator once a
// charge for a held reservation succeeded.
type PaymentConfirmedEvent struct {
	ReservationID uint64 `json:"reservation_id"`
	PaymentRef    string `json:"payment_ref"`
	Amount        uint32 `json:"amount"`
	ConfirmedAt   string `json:"confirmed_at"`
}
