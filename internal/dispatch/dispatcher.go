// Package dispatch turns a list+watch of one resource kind into a sequential stream of handler
// calls, dropping events older than what was already handled.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/manager"

	"github.com/codespace-operator/appsession-operator/internal/common"
	"github.com/codespace-operator/appsession-operator/internal/metrics"
)

// InitCorrelationID is used for every ADDED call made from the initial list.
const InitCorrelationID = "init"

const (
	defaultMaxReconnects = 10
	reconnectDelay       = time.Second
)

// Handler reacts to one event. Returning an error stops the dispatcher.
type Handler interface {
	Handle(ctx context.Context, action watch.EventType, obj client.Object, correlationID string) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, action watch.EventType, obj client.Object, correlationID string) error

func (f HandlerFunc) Handle(ctx context.Context, action watch.EventType, obj client.Object, correlationID string) error {
	return f(ctx, action, obj, correlationID)
}

// ErrWatchIdle is returned when neither an event nor a reopen happened within MaxIdle.
var ErrWatchIdle = errors.New("watch idle for too long")

// Dispatcher lists and then watches one kind in one namespace and calls Handler for each event.
// It only runs on the elected leader. Start returns an error for every failure it cannot recover
// from, which stops the manager and with it the process.
type Dispatcher struct {
	// Kind names the watched kind in logs and metrics.
	Kind      string
	Client    client.WithWatch
	Namespace string
	// NewList returns an empty list of the watched kind.
	NewList func() client.ObjectList
	Handler Handler
	Cache   Cache

	// MaxIdle bounds the time between two events or reopens of the watch. Zero disables the check.
	MaxIdle time.Duration
	// ContinueOnError logs handler errors instead of stopping.
	ContinueOnError bool
	// MaxReconnects bounds consecutive failed attempts to re-open the watch.
	MaxReconnects int

	Log logr.Logger

	resourceVersion string
	lastActive      time.Time
}

var _ manager.LeaderElectionRunnable = &Dispatcher{}

func (d *Dispatcher) NeedLeaderElection() bool { return true }

// Start lists every existing object, feeds it through the ADDED path and then watches until ctx ends.
func (d *Dispatcher) Start(ctx context.Context) error {
	if d.Cache == nil {
		d.Cache = NewCache()
	}
	if d.Log.GetSink() == nil {
		d.Log = ctrl.Log.WithName("dispatch")
	}
	d.Log = d.Log.WithValues("kind", d.Kind)

	if err := d.initialList(ctx); err != nil {
		return fmt.Errorf("initializing %s: %w", d.Kind, err)
	}
	return d.watchLoop(ctx)
}

func (d *Dispatcher) initialList(ctx context.Context) error {
	list := d.NewList()
	if err := d.Client.List(ctx, list, client.InNamespace(d.Namespace)); err != nil {
		return err
	}
	if lm, err := meta.ListAccessor(list); err == nil {
		d.resourceVersion = lm.GetResourceVersion()
	}
	items, err := meta.ExtractList(list)
	if err != nil {
		return err
	}
	d.Log.Info("Initial list", "count", len(items))
	for _, item := range items {
		obj, ok := item.(client.Object)
		if !ok {
			continue
		}
		d.Cache.Upsert(obj.GetUID(), obj.GetResourceVersion())
		if err := d.invoke(ctx, watch.Added, obj, InitCorrelationID); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) openWatch(ctx context.Context) (watch.Interface, error) {
	maxReconnects := d.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = defaultMaxReconnects
	}
	var lastErr error
	for attempt := 1; attempt <= maxReconnects; attempt++ {
		opts := &client.ListOptions{Namespace: d.Namespace, Raw: &metav1.ListOptions{ResourceVersion: d.resourceVersion}}
		w, err := d.Client.Watch(ctx, d.NewList(), opts)
		if err == nil {
			return w, nil
		}
		lastErr = err
		if attempt == maxReconnects {
			break
		}
		d.Log.Info("Reconnecting watch", "attempt", attempt, "error", err.Error())
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
	return nil, fmt.Errorf("watch did not reconnect after %d tries: %w", maxReconnects, lastErr)
}

func (d *Dispatcher) watchLoop(ctx context.Context) error {
	d.lastActive = time.Now()

	var idle <-chan time.Time
	if d.MaxIdle > 0 {
		ticker := time.NewTicker(idleCheckInterval(d.MaxIdle))
		defer ticker.Stop()
		idle = ticker.C
	}

	for {
		w, err := d.openWatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		// A reopen counts as activity.
		d.lastActive = time.Now()
		closed, err := d.consume(ctx, w, idle)
		w.Stop()
		if err != nil {
			return err
		}
		if !closed {
			return nil
		}
		d.Log.Info("Watch closed, reopening", "resourceVersion", d.resourceVersion)
	}
}

// consume drains w. It reports closed=true when the server ended the stream and it may be reopened.
func (d *Dispatcher) consume(ctx context.Context, w watch.Interface, idle <-chan time.Time) (closed bool, err error) {
	for {
		select {
		case <-ctx.Done():
			return false, nil
		case <-idle:
			if since := time.Since(d.lastActive); since > d.MaxIdle {
				return false, fmt.Errorf("%s: %w (%s)", d.Kind, ErrWatchIdle, since.Round(time.Second))
			}
		case ev, ok := <-w.ResultChan():
			if !ok {
				return true, nil
			}
			d.lastActive = time.Now()
			if err := d.onEvent(ctx, ev); err != nil {
				return false, err
			}
		}
	}
}

func (d *Dispatcher) onEvent(ctx context.Context, ev watch.Event) error {
	metrics.RecordEvent(d.Kind, string(ev.Type))

	switch ev.Type {
	case watch.Error:
		return fmt.Errorf("%s watch failed: %w", d.Kind, apierrors.FromObject(ev.Object))
	case watch.Bookmark:
		if obj, ok := ev.Object.(client.Object); ok {
			d.resourceVersion = obj.GetResourceVersion()
		}
		return nil
	}

	obj, ok := ev.Object.(client.Object)
	if !ok {
		d.Log.Info("Ignoring event with unexpected object", "type", fmt.Sprintf("%T", ev.Object))
		return nil
	}

	correlationID := common.NewCorrelationID()
	log := d.Log.WithValues("uid", obj.GetUID(), "name", obj.GetName(), "correlationId", correlationID)
	log.V(1).Info("Received event", "action", ev.Type)

	uid := obj.GetUID()
	if known, ok := d.Cache.Version(uid); ok && IsOutdated(known, obj.GetResourceVersion()) {
		log.Info("Event is outdated", "known", known, "received", obj.GetResourceVersion())
		metrics.RecordStaleEvent(d.Kind)
		return nil
	}
	d.resourceVersion = obj.GetResourceVersion()

	switch ev.Type {
	case watch.Added, watch.Modified:
		d.Cache.Upsert(uid, obj.GetResourceVersion())
		return d.invoke(ctx, ev.Type, obj, correlationID)
	case watch.Deleted:
		err := d.invoke(ctx, ev.Type, obj, correlationID)
		d.Cache.Remove(uid)
		return err
	}
	return nil
}

// invoke calls the handler, turning a panic into an error.
func (d *Dispatcher) invoke(ctx context.Context, action watch.EventType, obj client.Object, correlationID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
		if err != nil {
			metrics.RecordHandlerError(d.Kind)
			if d.ContinueOnError {
				d.Log.Error(err, "Error while handling event", "action", action, "name", obj.GetName(), "correlationId", correlationID)
				err = nil
				return
			}
			err = fmt.Errorf("%s %s: error while handling %s event: %w", d.Kind, obj.GetUID(), action, err)
		}
	}()
	return d.Handler.Handle(ctx, action, obj, correlationID)
}

func idleCheckInterval(maxIdle time.Duration) time.Duration {
	if interval := maxIdle / 4; interval > 0 {
		if interval > time.Minute {
			return time.Minute
		}
		return interval
	}
	return maxIdle
}
