package realtime

import (
	"context"
	"sync"

	"github.com/yashrajoria/salon-payments/services/payment-service/models"
)

// Registry keeps one notifier per salon for the lifetime of the process.
type Registry struct {
	baseURL string
	opts    Options

	mu        sync.Mutex
	notifiers map[string]*Notifier
}

func NewRegistry(baseURL string, opts Options) *Registry {
	return &Registry{
		baseURL:   baseURL,
		opts:      opts,
		notifiers: make(map[string]*Notifier),
	}
}

// Get returns the salon's connected notifier, dialing it on first use. A notifier whose
// connection dropped is redialed; concurrent callers share that dial.
func (r *Registry) Get(ctx context.Context, salonID string) (*Notifier, error) {
	r.mu.Lock()
	n, ok := r.notifiers[salonID]
	r.mu.Unlock()

	if ok {
		if err := n.EnsureConnected(ctx); err != nil {
			return nil, err
		}
		return n, nil
	}

	n, err := NewNotifier(r.baseURL, salonID, r.opts)
	if err != nil {
		return nil, err
	}
	if err := n.Connect(ctx); err != nil {
		_ = n.Close()
		return nil, err
	}

	r.mu.Lock()
	if existing, ok := r.notifiers[salonID]; ok {
		// lost a race with a concurrent Get
		r.mu.Unlock()
		_ = n.Close()
		return existing, nil
	}
	r.notifiers[salonID] = n
	r.mu.Unlock()
	return n, nil
}

// Await subscribes to invoiceID on the salon's channel and blocks for its status event. When ctx
// ends first the subscription is released and ctx.Err() is returned.
func (r *Registry) Await(ctx context.Context, salonID, invoiceID string) (models.PaymentStatusEvent, error) {
	n, err := r.Get(ctx, salonID)
	if err != nil {
		return models.PaymentStatusEvent{}, err
	}
	f, err := n.SubscribeToPayment(invoiceID, nil)
	if err != nil {
		return models.PaymentStatusEvent{}, err
	}
	ev, err := f.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		_ = n.Release(f)
	}
	return ev, err
}

// Remove closes and forgets the salon's notifier, e.g. on logout.
func (r *Registry) Remove(salonID string) {
	r.mu.Lock()
	n, ok := r.notifiers[salonID]
	delete(r.notifiers, salonID)
	r.mu.Unlock()
	if ok {
		_ = n.Close()
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notifiers)
}

// Close shuts every notifier down.
func (r *Registry) Close() {
	r.mu.Lock()
	all := r.notifiers
	r.notifiers = make(map[string]*Notifier)
	r.mu.Unlock()
	for _, n := range all {
		_ = n.Close()
	}
}
