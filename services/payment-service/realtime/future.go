package realtime

import (
	"context"
	"errors"
	"sync"

	"github.com/yashrajoria/salon-payments/services/payment-service/models"
)

var (
	ErrNotConnected = errors.New("realtime: connection is not open")
	ErrClosed       = errors.New("realtime: notifier closed")
	ErrUnsubscribed = errors.New("realtime: subscription removed")
	ErrReplaced     = errors.New("realtime: subscription replaced by a newer one")
)

// PaymentCallback is invoked at most once, on the connection's read goroutine.
type PaymentCallback func(models.PaymentStatusEvent)

// TokenListener receives every token-saved broadcast while registered.
type TokenListener func(models.TokenSavedEvent)

// PaymentFuture resolves once with the first status event for its invoice, or fails when the
// subscription is removed.
type PaymentFuture struct {
	invoiceID string
	callback  PaymentCallback

	once  sync.Once
	done  chan struct{}
	event models.PaymentStatusEvent
	err   error
}

func newPaymentFuture(invoiceID string, cb PaymentCallback) *PaymentFuture {
	return &PaymentFuture{invoiceID: invoiceID, callback: cb, done: make(chan struct{})}
}

func (f *PaymentFuture) InvoiceID() string { return f.invoiceID }

// Done is closed when the future resolves or fails.
func (f *PaymentFuture) Done() <-chan struct{} { return f.done }

// Wait blocks until the event arrives, the subscription ends, or ctx is done. A ctx timeout does
// not remove the subscription.
func (f *PaymentFuture) Wait(ctx context.Context) (models.PaymentStatusEvent, error) {
	select {
	case <-f.done:
		return f.event, f.err
	case <-ctx.Done():
		return models.PaymentStatusEvent{}, ctx.Err()
	}
}

func (f *PaymentFuture) resolve(ev models.PaymentStatusEvent) bool {
	fired := false
	f.once.Do(func() {
		f.event = ev
		close(f.done)
		fired = true
	})
	if fired && f.callback != nil {
		f.callback(ev)
	}
	return fired
}

func (f *PaymentFuture) fail(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}
