// Package dashboard composes the live channel, notification ledger and
// aggregate view for one active session.
package dashboard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"civicreport-service/internal/client/aggregate"
	"civicreport-service/internal/client/ledger"
	"civicreport-service/internal/client/livechannel"
	"civicreport-service/internal/domain/notification"

	"go.uber.org/zap"
)

var ErrMounted = errors.New("dashboard already mounted")

// Listener receives derived state changes. Any field may be nil.
type Listener struct {
	State     func(livechannel.State)
	Ledger    func(records int, unread int)
	Aggregate func(aggregate.Summary, error)
}

type Dashboard struct {
	channel *livechannel.Client
	ledger  *ledger.Ledger
	view    *aggregate.View
	limit   int
	logger  *zap.Logger

	mu     sync.Mutex
	subs   []livechannel.Subscription
	cancel context.CancelFunc
}

func New(channel *livechannel.Client, l *ledger.Ledger, view *aggregate.View, limit int, logger *zap.Logger) *Dashboard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dashboard{
		channel: channel,
		ledger:  l,
		view:    view,
		limit:   limit,
		logger:  logger,
	}
}

// Mount subscribes every handler the dashboard needs and loads initial
// state. Load failures are reported to the listener and logged; the
// subscriptions stay in place so live updates still flow.
func (d *Dashboard) Mount(ctx context.Context, ln Listener) error {
	d.mu.Lock()
	if d.cancel != nil {
		d.mu.Unlock()
		return ErrMounted
	}
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	var connects atomic.Int32
	ledgerChanged := func() {
		if ln.Ledger != nil {
			ln.Ledger(len(d.ledger.Records()), d.ledger.UnreadCount())
		}
	}

	d.subs = append(d.subs,
		d.ledger.Bind(d.channel, func(*notification.Notification) { ledgerChanged() }),
		d.channel.OnStateChange(func(s livechannel.State) {
			if ln.State != nil {
				ln.State(s)
			}
			// Pushes may have been lost while disconnected. The first
			// connect follows the load below.
			if s == livechannel.StateConnected && connects.Add(1) > 1 {
				go d.reload(ctx, ln, ledgerChanged)
			}
		}),
	)
	d.subs = append(d.subs, d.view.Bind(ctx, d.channel, func(err error) {
		if ln.Aggregate != nil {
			ln.Aggregate(d.view.Summary(), err)
		}
	})...)
	d.mu.Unlock()

	return d.reload(ctx, ln, ledgerChanged)
}

func (d *Dashboard) reload(ctx context.Context, ln Listener, ledgerChanged func()) error {
	var errs []error
	if err := d.ledger.LoadSnapshot(ctx, d.limit); err != nil {
		d.logger.Warn("notification snapshot failed", zap.Error(err))
		errs = append(errs, err)
	} else {
		ledgerChanged()
	}

	err := d.view.Refresh(ctx)
	if err != nil {
		d.logger.Warn("aggregate refresh failed", zap.Error(err))
		errs = append(errs, err)
	}
	if ln.Aggregate != nil && ctx.Err() == nil {
		ln.Aggregate(d.view.Summary(), err)
	}
	return errors.Join(errs...)
}

// MarkAllRead acknowledges every unread notification.
func (d *Dashboard) MarkAllRead(ctx context.Context) {
	d.ledger.MarkAllRead(ctx)
}

// Unmount removes every subscription Mount added and stops background
// refreshes. It is safe to call when not mounted.
func (d *Dashboard) Unmount() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, s := range d.subs {
		s.Unsubscribe()
	}
	d.subs = nil
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
}
