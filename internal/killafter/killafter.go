// Package killafter stops sessions that ran longer than the timeout of their app definition.
package killafter

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/manager"

	appsessionv1 "github.com/codespace-operator/appsession-operator/api/v1"
	"github.com/codespace-operator/appsession-operator/internal/common"
	"github.com/codespace-operator/appsession-operator/internal/kube"
	"github.com/codespace-operator/appsession-operator/internal/metrics"
)

// Mode selects what a session's age is measured from.
type Mode string

const (
	// FixedTime measures from the creation of the session.
	FixedTime Mode = "FIXEDTIME"
	// Inactivity measures from the last reported activity.
	Inactivity Mode = "INACTIVITY"
)

const DefaultInterval = time.Minute

// Scanner deletes expired sessions every Interval.
type Scanner struct {
	Res      *kube.Resources
	Mode     Mode
	Interval time.Duration
	Log      logr.Logger

	// Now is overridable in tests.
	Now func() time.Time
}

var _ manager.LeaderElectionRunnable = &Scanner{}

func (s *Scanner) NeedLeaderElection() bool { return true }

// Start schedules Scan and blocks until ctx ends. A failing scan is logged and retried on the
// next tick.
func (s *Scanner) Start(ctx context.Context) error {
	if s.Log.GetSink() == nil {
		s.Log = ctrl.Log.WithName("killafter")
	}
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	c := cron.New()
	spec := "@every " + interval.String()
	if _, err := c.AddFunc(spec, func() { s.run(ctx) }); err != nil {
		return fmt.Errorf("scheduling %q: %w", spec, err)
	}
	s.Log.Info("Starting kill-after scanner", "mode", s.Mode, "interval", interval)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func (s *Scanner) run(ctx context.Context) {
	log := s.Log.WithValues("correlationId", common.NewCorrelationID())
	killed, err := s.Scan(ctx)
	if err != nil {
		log.Error(err, "Kill-after scan failed")
	}
	if len(killed) > 0 {
		log.Info("Stopped expired sessions", "sessions", killed)
	}
}

// Scan deletes every session older than the timeout of its app definition and returns the names
// it deleted. Deletion failures do not stop the scan.
func (s *Scanner) Scan(ctx context.Context) ([]string, error) {
	var appDefs appsessionv1.AppDefinitionList
	if err := s.Res.List(ctx, &appDefs); err != nil {
		return nil, fmt.Errorf("listing app definitions: %w", err)
	}
	timeouts := make(map[string]int32, len(appDefs.Items))
	for _, appDef := range appDefs.Items {
		if appDef.Spec.Timeout >= 1 {
			timeouts[appDef.Name] = appDef.Spec.Timeout
		}
	}
	if len(timeouts) == 0 {
		return nil, nil
	}

	var sessions appsessionv1.SessionList
	if err := s.Res.List(ctx, &sessions); err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	now := s.now()
	var killed []string
	var errs *multierror.Error
	for i := range sessions.Items {
		session := &sessions.Items[i]
		timeout, ok := timeouts[session.Spec.AppDefinition]
		if !ok || !Expired(s.Mode, session, timeout, now) {
			continue
		}
		if err := s.Res.Delete(ctx, &appsessionv1.Session{ObjectMeta: metav1.ObjectMeta{Name: session.Name}}); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("deleting session %s: %w", session.Name, err))
			continue
		}
		metrics.RecordSessionKilled()
		killed = append(killed, session.Name)
	}
	return killed, errs.ErrorOrNil()
}

// Expired reports whether more than timeout whole minutes passed since the reference point of mode.
// Without any reported activity, inactivity counts from creation.
func Expired(mode Mode, session *appsessionv1.Session, timeout int32, now time.Time) bool {
	since := session.CreationTimestamp.Time
	if mode == Inactivity && session.Status.LastActivity > 0 {
		since = time.UnixMilli(session.Status.LastActivity)
	}
	minutes := int64(now.Sub(since) / time.Minute)
	return minutes > int64(timeout)
}

func (s *Scanner) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}
