// Package urlpoll publishes the URL of a session once its route answers.
//
// Sessions are reported HANDLED before their pod is up. A bounded set of workers probes each new
// route over https and writes status.url when it responds, which is what launch callers wait for.
package urlpoll

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/manager"

	appsessionv1 "github.com/codespace-operator/appsession-operator/api/v1"
	"github.com/codespace-operator/appsession-operator/internal/kube"
	"github.com/codespace-operator/appsession-operator/internal/metrics"
)

const (
	DefaultWorkers = 4
	// MaxTries bounds the probes of one URL, roughly an hour with Schedule.
	MaxTries = 100

	probeTimeout = 10 * time.Second
)

// Schedule is the wait before probe i, counting from 1.
func Schedule(i int) time.Duration {
	switch {
	case i <= 15:
		return 2500 * time.Millisecond
	case i <= 30:
		return 5 * time.Second
	case i <= 45:
		return 10 * time.Second
	}
	return time.Minute
}

type job struct {
	session       string
	url           string
	correlationID string
}

// Poller is a manager runnable. Watch may be called before Start; jobs queue until workers run.
// The queue is unbounded so Watch never holds up event dispatch.
type Poller struct {
	Res     *kube.Resources
	Workers int
	Log     logr.Logger

	// HTTPClient and Delay are overridable in tests.
	HTTPClient *http.Client
	Delay      func(i int) time.Duration

	mu      sync.Mutex
	pending []job
	wake    chan struct{}
}

var _ manager.LeaderElectionRunnable = &Poller{}

// New returns a Poller with workers probes in flight at most.
func New(res *kube.Resources, workers int) *Poller {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Poller{
		Res:     res,
		Workers: workers,
		Log:     ctrl.Log.WithName("urlpoll"),
		HTTPClient: &http.Client{
			Timeout: probeTimeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			},
		},
		Delay: Schedule,
		wake:  make(chan struct{}, 1),
	}
}

func (p *Poller) NeedLeaderElection() bool { return true }

// Watch queues url, the scheme-less address the session is routed at, for probing. It does not block.
func (p *Poller) Watch(_ context.Context, session, url, correlationID string) {
	p.mu.Lock()
	p.pending = append(p.pending, job{session: session, url: url, correlationID: correlationID})
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Poller) next() (job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return job{}, false
	}
	j := p.pending[0]
	p.pending[0] = job{}
	p.pending = p.pending[1:]
	return j, true
}

// Start runs the workers until ctx ends.
func (p *Poller) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.Workers)
	for {
		j, ok := p.next()
		if !ok {
			select {
			case <-ctx.Done():
				return g.Wait()
			case <-p.wake:
			}
			continue
		}
		if ctx.Err() != nil {
			return g.Wait()
		}
		g.Go(func() error {
			p.poll(ctx, j)
			return nil
		})
	}
}

// poll probes j until the route answers 200, or answers anything but 404 or 503 and then any
// code on the following probe. In both cases the URL is published.
func (p *Poller) poll(ctx context.Context, j job) {
	log := p.Log.WithValues("session", j.session, "url", j.url, "correlationId", j.correlationID)
	target := "https://" + j.url

	outcome := ""
	forced := false
	probe := func() error {
		code, err := p.probe(ctx, target)
		if err != nil {
			log.V(1).Info("Session is not available yet", "error", err.Error())
			return err
		}
		switch {
		case code == http.StatusOK:
			outcome = metrics.PollAvailable
			return nil
		case forced:
			outcome = metrics.PollForced
			return nil
		case code != http.StatusNotFound && code != http.StatusServiceUnavailable:
			forced = true
		}
		log.V(1).Info("Session is not available yet", "code", code)
		return fmt.Errorf("%s answered %d", target, code)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(&staircase{delay: p.Delay}, MaxTries-1), ctx)
	err := wait(ctx, p.Delay(1))
	if err == nil {
		err = backoff.Retry(probe, b)
	}
	switch {
	case ctx.Err() != nil:
		return
	case err != nil:
		metrics.RecordURLPoll(metrics.PollGaveUp)
		log.Info("Session did not become available, giving up", "tries", MaxTries)
		return
	}

	if err := p.publish(ctx, j); err != nil {
		log.Error(err, "Setting session URL")
		return
	}
	metrics.RecordURLPoll(outcome)
	log.Info("Session is available")
}

func (p *Poller) probe(ctx context.Context, target string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, backoff.Permanent(err)
	}
	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

func (p *Poller) publish(ctx context.Context, j job) error {
	var s appsessionv1.Session
	err := p.Res.UpdateStatus(ctx, j.session, &s, func() error {
		s.Status.URL = j.url
		return nil
	})
	if apierrors.IsNotFound(err) {
		p.Log.Info("Session is gone, not setting its URL", "session", j.session)
		return nil
	}
	return err
}

// staircase replays Schedule from the second probe on.
type staircase struct {
	delay func(int) time.Duration
	next  int
}

func (s *staircase) Reset() { s.next = 1 }

func (s *staircase) NextBackOff() time.Duration {
	s.next++
	return s.delay(s.next)
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
