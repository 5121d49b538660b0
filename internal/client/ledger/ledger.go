// Package ledger is the client-side cache of notification records. It merges
// server snapshots with live pushes and keeps the unread counter equal to the
// number of unread records at all times.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"civicreport-service/internal/client/livechannel"
	"civicreport-service/internal/client/sessionstore"
	"civicreport-service/internal/domain/auth"
	"civicreport-service/internal/domain/notification"
	wstypes "civicreport-service/internal/domain/websocket"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// Retention is how many records the ledger keeps.
const Retention = 50

type Backend interface {
	Notifications(ctx context.Context, limit int) (*notification.ListResponse, error)
	MarkRead(ctx context.Context, ids []string) (int64, error)
}

type Ledger struct {
	backend Backend
	session sessionstore.Session
	logger  *zap.Logger
	now     func() time.Time

	mu         sync.Mutex
	records    []notification.Notification
	unread     int
	loading    int
	pending    []heldPush
	syncFailed map[string]struct{}

	// Snapshot sequence numbers: issued when a fetch starts, applied when
	// its result replaces the records. Older results never overwrite newer.
	issued  uint64
	applied uint64
}

// heldPush is a push received while a snapshot was in flight.
type heldPush struct {
	n      notification.Notification
	onLand func(*notification.Notification)
}

func New(backend Backend, session sessionstore.Session, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		backend:    backend,
		session:    session,
		logger:     logger,
		now:        time.Now,
		syncFailed: make(map[string]struct{}),
	}
}

// LoadSnapshot replaces the cached records with the server's newest-first
// list. Pushes that arrive while the fetch is in flight are replayed on top
// of the snapshot unless the snapshot already holds them. When loads overlap,
// a result is discarded if a later-started load has already been applied.
// Rows without an id are dropped.
func (l *Ledger) LoadSnapshot(ctx context.Context, limit int) error {
	if limit <= 0 || limit > Retention {
		limit = Retention
	}

	l.mu.Lock()
	l.loading++
	l.issued++
	seq := l.issued
	l.mu.Unlock()

	resp, err := l.backend.Notifications(ctx, limit)

	var landed []func()
	defer func() {
		for _, fn := range landed {
			fn()
		}
	}()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.loading--

	if err != nil {
		if l.loading == 0 {
			landed = l.replayLocked()
		}
		return fmt.Errorf("loading notifications: %w", err)
	}

	if seq <= l.applied {
		l.logger.Debug("discarding superseded notification snapshot", zap.Uint64("seq", seq))
		if l.loading == 0 {
			landed = l.replayLocked()
		}
		return nil
	}
	l.applied = seq

	seen := make(map[string]struct{}, len(resp.Notifications))
	records := make([]notification.Notification, 0, len(resp.Notifications))
	skipped := 0
	for _, n := range resp.Notifications {
		if n.ID == "" {
			skipped++
			continue
		}
		if _, dup := seen[n.ID]; dup {
			continue
		}
		seen[n.ID] = struct{}{}
		records = append(records, n)
		if len(records) == Retention {
			break
		}
	}
	if skipped > 0 {
		l.logger.Warn("dropping snapshot rows without id", zap.Int("count", skipped))
	}
	l.records = records

	for id := range l.syncFailed {
		if _, ok := seen[id]; !ok {
			delete(l.syncFailed, id)
		}
	}

	if l.loading == 0 {
		landed = l.replayLocked()
	}
	l.recountLocked()

	l.logger.Debug("notification snapshot loaded",
		zap.Int("records", len(l.records)),
		zap.Int("unread", l.unread),
	)
	return nil
}

// ApplyLivePush normalizes a pushed notification and prepends it when it is
// addressed to this session. The bool reports whether the record is in the
// ledger on return. A push received while a snapshot is loading is held and
// lands when the snapshot resolves, unless the snapshot already carries it.
func (l *Ledger) ApplyLivePush(raw json.RawMessage) (*notification.Notification, bool) {
	return l.apply(raw, nil)
}

// apply is ApplyLivePush with a callback that fires once the record lands,
// immediately or after replay. It is never called with the lock held.
func (l *Ledger) apply(raw json.RawMessage, onLand func(*notification.Notification)) (*notification.Notification, bool) {
	var data wstypes.NotificationData
	if err := json.Unmarshal(raw, &data); err != nil {
		l.logger.Warn("dropping malformed notification push", zap.Error(err))
		return nil, false
	}

	n := l.normalize(data)
	if !l.relevant(n.Audience) {
		l.logger.Debug("ignoring notification for another audience", zap.String("id", n.ID))
		return nil, false
	}

	l.mu.Lock()
	if l.loading > 0 {
		l.pending = append(l.pending, heldPush{n: n, onLand: onLand})
		l.mu.Unlock()
		return nil, false
	}
	ok := l.prependLocked(n)
	l.mu.Unlock()

	if !ok {
		return nil, false
	}
	if onLand != nil {
		onLand(&n)
	}
	return &n, true
}

// MarkRead flips the given records to read, then acknowledges them to the
// server. A failed acknowledgement is logged and flagged, never rolled back.
func (l *Ledger) MarkRead(ctx context.Context, ids ...string) {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	l.markRead(ctx, func(n *notification.Notification) bool {
		_, ok := want[n.ID]
		return ok
	})
}

func (l *Ledger) MarkAllRead(ctx context.Context) {
	l.markRead(ctx, func(*notification.Notification) bool { return true })
}

func (l *Ledger) markRead(ctx context.Context, match func(*notification.Notification) bool) {
	l.mu.Lock()
	var flipped []string
	for i := range l.records {
		n := &l.records[i]
		if n.Read || !match(n) {
			continue
		}
		n.Read = true
		flipped = append(flipped, n.ID)
	}
	l.unread -= len(flipped)
	if l.unread < 0 {
		l.unread = 0
	}
	l.mu.Unlock()

	if len(flipped) == 0 {
		return
	}

	if _, err := l.backend.MarkRead(ctx, flipped); err != nil {
		l.logger.Error("failed to acknowledge notifications",
			zap.Strings("ids", flipped),
			zap.Error(err),
		)
		l.mu.Lock()
		for _, id := range flipped {
			l.syncFailed[id] = struct{}{}
		}
		l.mu.Unlock()
		return
	}

	l.mu.Lock()
	for _, id := range flipped {
		delete(l.syncFailed, id)
	}
	l.mu.Unlock()
}

// Records returns a copy of the cached records, newest first.
func (l *Ledger) Records() []notification.Notification {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]notification.Notification(nil), l.records...)
}

func (l *Ledger) UnreadCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unread
}

// SyncFailed reports whether the server rejected the read receipt for id.
func (l *Ledger) SyncFailed(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.syncFailed[id]
	return ok
}

// Bind feeds notification pushes from ch into the ledger. onAccept, when
// set, sees every record that lands, including held pushes once replayed.
func (l *Ledger) Bind(ch *livechannel.Client, onAccept func(*notification.Notification)) livechannel.Subscription {
	return ch.On(wstypes.EventTypeNotification, func(e livechannel.Event) {
		l.apply(e.Data, onAccept)
	})
}

// relevant accepts pushes addressed to this subject or role. Staff accept
// department pushes as is; the server only sends them their own department.
func (l *Ledger) relevant(a notification.Audience) bool {
	if a.SubjectID != "" && a.SubjectID == l.session.SubjectID {
		return true
	}
	if a.Role != "" && a.Role == l.session.Role {
		return true
	}
	return a.Department != "" && l.session.Role == auth.RoleStaff
}

func (l *Ledger) normalize(d wstypes.NotificationData) notification.Notification {
	id := d.ID
	if id == "" {
		id = ulid.Make().String()
	}
	kind := notification.Kind(d.Type)
	if kind == "" {
		kind = notification.KindInfo
	}
	return notification.Notification{
		ID: id,
		Audience: notification.Audience{
			SubjectID:  d.UserID,
			Role:       d.Role,
			Department: d.Department,
		},
		Kind:      kind,
		Title:     d.Title,
		Message:   d.Message,
		IssueID:   d.IssueID,
		Status:    d.Status,
		CreatedAt: parseTime(d.CreatedAt, l.now),
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// parseTime accepts RFC 3339 and naive ISO timestamps (taken as UTC). Missing
// or unparseable values fall back to now.
func parseTime(v string, now func() time.Time) time.Time {
	v = strings.TrimSpace(v)
	if v != "" {
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				return t.UTC()
			}
		}
	}
	return now().UTC()
}

func (l *Ledger) prependLocked(n notification.Notification) bool {
	for _, r := range l.records {
		if r.ID == n.ID {
			return false
		}
	}

	l.records = append([]notification.Notification{n}, l.records...)
	if !n.Read {
		l.unread++
	}
	for len(l.records) > Retention {
		evicted := l.records[len(l.records)-1]
		l.records = l.records[:len(l.records)-1]
		if !evicted.Read {
			l.unread--
		}
		delete(l.syncFailed, evicted.ID)
	}
	return true
}

// replayLocked applies held pushes and returns the callbacks of those that
// landed, to be run after the lock is released.
func (l *Ledger) replayLocked() []func() {
	var landed []func()
	for _, h := range l.pending {
		if !l.prependLocked(h.n) || h.onLand == nil {
			continue
		}
		n, fn := h.n, h.onLand
		landed = append(landed, func() { fn(&n) })
	}
	l.pending = nil
	return landed
}

func (l *Ledger) recountLocked() {
	l.unread = 0
	for _, r := range l.records {
		if !r.Read {
			l.unread++
		}
	}
}
