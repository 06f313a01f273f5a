package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ipmf/internal/config"
	"ipmf/internal/domain"
	"ipmf/internal/repo"
)

const (
	defaultInterval = 2 * time.Second
	defaultTimeout  = 5 * time.Second
	defaultBatch    = 100
	defaultQueue    = 256
	defaultWorkers  = 2
)

// Dispatcher posts notifications and the event feed to the configured
// webhooks. Notifications are queued by Publish and delivered by workers;
// events are polled from the store behind a per-hook cursor.
type Dispatcher struct {
	Repo     repo.Repo
	Hooks    []config.WebhookConfig
	Logger   *zap.Logger
	Client   *http.Client
	Interval time.Duration
	Workers  int

	queue   chan domain.Notification
	once    sync.Once
	mu      sync.Mutex
	cursors map[int]int64
}

func NewDispatcher(r repo.Repo, hooks []config.WebhookConfig, logger *zap.Logger) *Dispatcher {
	var active []config.WebhookConfig
	for _, h := range hooks {
		if h.Active() {
			active = append(active, h)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		Repo:   r,
		Hooks:  active,
		Logger: logger.Named("webhooks"),
		Client: &http.Client{Timeout: defaultTimeout},
	}
}

func (d *Dispatcher) init() {
	d.once.Do(func() {
		d.queue = make(chan domain.Notification, defaultQueue)
		d.cursors = make(map[int]int64)
		if d.Logger == nil {
			d.Logger = zap.NewNop()
		}
		if d.Client == nil {
			d.Client = &http.Client{Timeout: defaultTimeout}
		}
	})
}

// Publish queues a notification. A full queue drops it with a warning rather
// than stalling the transition that produced it.
func (d *Dispatcher) Publish(_ context.Context, n domain.Notification) {
	d.init()
	if len(d.Hooks) == 0 {
		return
	}
	select {
	case d.queue <- n:
	default:
		d.Logger.Warn("notification queue full", zap.String("type", n.Type), zap.String("entity_id", n.EntityID))
	}
}

// Run delivers until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.init()
	if len(d.Hooks) == 0 {
		<-ctx.Done()
		return nil
	}
	workers := d.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case n := <-d.queue:
					if err := d.deliverNotification(ctx, n); err != nil {
						d.Logger.Warn("notification delivery failed", zap.String("type", n.Type), zap.Error(err))
					}
				}
			}
		})
	}
	g.Go(func() error {
		interval := d.Interval
		if interval <= 0 {
			interval = defaultInterval
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			d.DispatchEvents(ctx)
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})
	return g.Wait()
}

func (d *Dispatcher) deliverNotification(ctx context.Context, n domain.Notification) error {
	var errs error
	for _, hook := range d.Hooks {
		if !newEventFilter(hook.Events).match(n.Type) {
			continue
		}
		errs = multierr.Append(errs, d.post(ctx, hook, "notification", n.Type, uuid.NewString(), n))
	}
	return errs
}

// DispatchEvents pushes every event recorded since the last pass.
func (d *Dispatcher) DispatchEvents(ctx context.Context) {
	d.init()
	for i, hook := range d.Hooks {
		d.dispatchHook(ctx, i, hook)
	}
}

func (d *Dispatcher) dispatchHook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, idx)
	events, err := d.Repo.EventsAfter(ctx, defaultBatch, cursor)
	if err != nil {
		d.Logger.Warn("fetch events failed", zap.Error(err))
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.post(ctx, hook, "event", evt.Type, fmt.Sprintf("event-%d", evt.ID), feedEvent(evt)); err != nil {
			d.Logger.Warn("event delivery failed", zap.String("url", hook.URL), zap.Int64("event_id", evt.ID), zap.Error(err))
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

// cursorFor starts a hook at the head of the feed so past history is not
// replayed on startup.
func (d *Dispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.Repo.LatestEventID(ctx)
	if err != nil {
		d.Logger.Warn("init cursor failed", zap.Error(err))
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *Dispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func feedEvent(evt domain.Event) webhookEvent {
	payload := json.RawMessage("{}")
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage(evt.Payload)
		} else {
			raw = evt.Payload
		}
	}
	return webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	}
}

func (d *Dispatcher) post(ctx context.Context, hook config.WebhookConfig, kind, typ, delivery string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	client := d.Client
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != client.Timeout {
			client = &http.Client{Timeout: timeout, Transport: client.Transport}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Ipmf-Kind", kind)
	req.Header.Set("X-Ipmf-Event", typ)
	req.Header.Set("X-Ipmf-Delivery", delivery)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Ipmf-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("%s: status %d: %s", hook.URL, res.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// eventFilter matches exact types, "*" and prefixes ending in ".*".
type eventFilter struct {
	all      bool
	set      map[string]struct{}
	prefixes []string
}

func newEventFilter(events []string) eventFilter {
	f := eventFilter{set: make(map[string]struct{}, len(events))}
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		switch {
		case key == "":
		case key == "*":
			f.all = true
		case strings.HasSuffix(key, ".*"):
			f.prefixes = append(f.prefixes, strings.TrimSuffix(key, "*"))
		default:
			f.set[key] = struct{}{}
		}
	}
	if len(f.set) == 0 && len(f.prefixes) == 0 {
		f.all = true
	}
	return f
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	if _, ok := f.set[evt]; ok {
		return true
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(evt, p) {
			return true
		}
	}
	return false
}
