package pool

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	appsessionv1 "github.com/codespace-operator/appsession-operator/api/v1"
	"github.com/codespace-operator/appsession-operator/internal/common"
	"github.com/codespace-operator/appsession-operator/internal/kube"
	"github.com/codespace-operator/appsession-operator/internal/metrics"
)

// MaxReserveAttempts bounds how often ReserveService restarts after losing a race.
const MaxReserveAttempts = 10

// ErrNoSlotAvailable means every pooled Service of the AppDefinition is claimed.
var ErrNoSlotAvailable = errors.New("no free instance available")

// reserveMu serializes reservations inside this process only. Replicas are kept apart by the
// resourceVersion check on the claiming update.
var reserveMu sync.Mutex

// ReserveService returns the pooled Service of appDef that belongs to session, claiming a free
// one if session has none yet. alreadyReserved is true when session owned a Service before the call.
func ReserveService(ctx context.Context, res *kube.Resources, appDef *appsessionv1.AppDefinition, session *appsessionv1.Session) (svc *corev1.Service, alreadyReserved bool, err error) {
	logger := log.FromContext(ctx).WithValues("appDefinition", appDef.Name, "session", session.Name)

	reserveMu.Lock()
	defer reserveMu.Unlock()

	for attempt := 1; attempt <= MaxReserveAttempts; attempt++ {
		services, err := kube.ListOwnedBy[*corev1.Service](ctx, res, &corev1.ServiceList{}, appDef.UID)
		if err != nil {
			return nil, false, fmt.Errorf("listing services of %s: %w", appDef.Name, err)
		}

		for _, s := range services {
			if kube.IsOwnedBy(s, session.Name, session.UID) {
				metrics.RecordReservation(metrics.ReservationAlreadyReserved)
				return s, true, nil
			}
		}

		sortByInstance(services, func(s *corev1.Service) string { return s.Name })
		var free *corev1.Service
		for _, s := range services {
			if kube.IsUnused(s, appDef.UID) {
				free = s
				break
			}
		}
		if free == nil {
			metrics.RecordReservation(metrics.ReservationExhausted)
			return nil, false, ErrNoSlotAvailable
		}

		// The update carries the listed resourceVersion, so a concurrent claim turns into a conflict.
		kube.AddOwnerReference(free, kube.OwnerReference(session, appsessionv1.SessionKind))
		free.SetLabels(withSessionLabels(free.GetLabels(), session))
		err = res.Client.Update(ctx, free)
		if err == nil {
			metrics.RecordReservation(metrics.ReservationClaimed)
			logger.Info("Reserved service", "service", free.Name)
			return free, false, nil
		}
		if !apierrors.IsConflict(err) {
			return nil, false, fmt.Errorf("claiming service %s: %w", free.Name, err)
		}
		metrics.RecordReservation(metrics.ReservationConflict)
		logger.Info("Lost the race for a service, retrying", "service", free.Name, "attempt", attempt)
	}
	return nil, false, fmt.Errorf("reserving a service of %s: gave up after %d conflicts", appDef.Name, MaxReserveAttempts)
}

// Claim adds session as owner of the pooled object name and labels it for the session.
// mutate, when set, runs in the same edit.
func Claim(ctx context.Context, res *kube.Resources, name string, obj client.Object, session *appsessionv1.Session, mutate func() error) error {
	ref := kube.OwnerReference(session, appsessionv1.SessionKind)
	return res.Edit(ctx, name, obj, func() error {
		kube.AddOwnerReference(obj, ref)
		obj.SetLabels(withSessionLabels(obj.GetLabels(), session))
		if mutate != nil {
			return mutate()
		}
		return nil
	})
}

// SessionLabels are the labels stamped on everything session claims or owns.
func SessionLabels(session *appsessionv1.Session) map[string]string {
	return common.SessionLabels(session.Spec.User, session.Spec.AppDefinition, session.Name, string(session.UID))
}

func withSessionLabels(labels map[string]string, session *appsessionv1.Session) map[string]string {
	out := make(map[string]string, len(labels)+6)
	maps.Copy(out, labels)
	maps.Copy(out, SessionLabels(session))
	return out
}
