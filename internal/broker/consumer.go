package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/iliyamo/ticket-booking-core/internal/apperr"
	"github.com/iliyamo/ticket-booking-core/internal/model"
)

// PaymentQueue is the durable queue payment confirmations arrive on.
const PaymentQueue = "payment.confirmed"

// PaymentConfirmer settles a reservation once its payment went through.
type PaymentConfirmer interface {
	ConfirmPayment(ctx context.Context, reservationID uint64, paymentRef string) (model.Reservation, error)
}

// PaymentConsumer feeds payment.confirmed messages into a PaymentConfirmer.
type PaymentConsumer struct {
	url      string
	queue    string
	prefetch int
	timeout  time.Duration
	svc      PaymentConfirmer
	log      *zap.Logger
}

func NewPaymentConsumer(url string, svc PaymentConfirmer, log *zap.Logger) *PaymentConsumer {
	return &PaymentConsumer{
		url: url, queue: PaymentQueue, prefetch: 20, timeout: 15 * time.Second,
		svc: svc, log: log.Named("payment-consumer"),
	}
}

// Run connects, consumes, and reconnects with exponential backoff until ctx
// is cancelled.
func (c *PaymentConsumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			c.log.Warn("failed to dial broker", zap.Error(err), zap.Duration("retry_in", backoff))
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = c.consumeLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("consume loop ended, reconnecting", zap.Error(err))
		if !sleep(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func (c *PaymentConsumer) consumeLoop(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		c.log.Warn("set QoS failed", zap.Error(err))
	}
	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}
	c.log.Info("consuming", zap.String("queue", c.queue))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			switch c.handleMessage(ctx, d.Body) {
			case ack:
				_ = d.Ack(false)
			case requeue:
				_ = d.Nack(false, true)
			default:
				_ = d.Nack(false, false)
			}
		}
	}
}

type disposition int

const (
	ack disposition = iota
	reject
	requeue
)

// handleMessage confirms one payment. Business rejections (already paid
// with another ref, expired, closed) are final and acknowledged; malformed
// bodies are dropped; anything else is requeued for another attempt.
func (c *PaymentConsumer) handleMessage(ctx context.Context, body []byte) disposition {
	var ev PaymentConfirmedEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		c.log.Error("unmarshal payment event", zap.Error(err))
		return reject
	}
	if ev.ReservationID == 0 || ev.PaymentRef == "" {
		c.log.Error("payment event without reservation or ref", zap.ByteString("body", body))
		return reject
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	res, err := c.svc.ConfirmPayment(ctx, ev.ReservationID, ev.PaymentRef)
	if err != nil {
		var ae *apperr.AppError
		if errors.As(err, &ae) && ae.HTTPStatus < 500 {
			c.log.Warn("payment not applied",
				zap.Uint64("reservation_id", ev.ReservationID), zap.String("payment_ref", ev.PaymentRef), zap.String("code", ae.Code))
			return ack
		}
		c.log.Error("confirm payment failed", zap.Uint64("reservation_id", ev.ReservationID), zap.Error(err))
		return requeue
	}
	if ev.Amount != 0 && ev.Amount != res.TotalAmount {
		c.log.Warn("paid amount differs from reservation total",
			zap.Uint64("reservation_id", res.ID), zap.Uint32("paid", ev.Amount), zap.Uint32("total", res.TotalAmount))
	}
	return ack
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
