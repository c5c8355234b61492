/*
Copyright 2025 Dennis Marcus Goh.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package controllers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	appsessionv1 "github.com/codespace-operator/appsession-operator/api/v1"
	"github.com/codespace-operator/appsession-operator/internal/ingress"
	"github.com/codespace-operator/appsession-operator/internal/kube"
	"github.com/codespace-operator/appsession-operator/internal/launcher"
	"github.com/codespace-operator/appsession-operator/internal/manifest"
	"github.com/codespace-operator/appsession-operator/internal/pool"
	"github.com/codespace-operator/appsession-operator/internal/status"
)

// RefreshAnnotation is bumped on the pods of a claimed instance so mounted ConfigMaps resync.
const RefreshAnnotation = "theia-cloud.io/eager-start-refresh"

func (h *Handlers) eagerSessionAdded(ctx context.Context, session *appsessionv1.Session, correlationID string) error {
	proceed, _, err := status.Gate(ctx, h.Res, session, correlationID)
	if err != nil || !proceed {
		return err
	}
	logger := log.FromContext(ctx)

	appDef, found, err := h.getAppDefinition(ctx, session.Spec.AppDefinition)
	if err != nil {
		return err
	}
	if !found {
		return h.failSession(ctx, session, nil, "App Definition not found.")
	}
	if found, err := h.Res.Has(ctx, appDef.Spec.IngressName, &networkingv1.Ingress{}); err != nil || !found {
		if err != nil {
			return err
		}
		return h.failSession(ctx, session, nil, "Ingress not available.")
	}

	svc, alreadyReserved, err := pool.ReserveService(ctx, h.Res, appDef, session)
	if errors.Is(err, pool.ErrNoSlotAvailable) {
		return h.failSession(ctx, session, launcher.ErrServerLimitReached, "No free instance available.")
	}
	if err != nil {
		return err
	}
	n, err := pool.InstanceNumber(svc.Name)
	if err != nil {
		return err
	}
	inst := manifest.Pooled(appDef, n)
	logger.Info("Using pooled instance", "service", svc.Name, "instance", n, "alreadyReserved", alreadyReserved)

	if err := pool.Claim(ctx, h.Res, inst.DeploymentName(), &appsv1.Deployment{}, session, nil); err != nil {
		return fmt.Errorf("claiming deployment %s: %w", inst.DeploymentName(), err)
	}
	if h.Config.UseKeycloak {
		emails := &corev1.ConfigMap{}
		if err := pool.Claim(ctx, h.Res, inst.EmailsConfigName(), emails, session, func() error {
			emails.Data = map[string]string{manifest.EmailsKey: session.Spec.User}
			return nil
		}); err != nil {
			return fmt.Errorf("claiming config map %s: %w", inst.EmailsConfigName(), err)
		}
		if err := pool.Claim(ctx, h.Res, inst.ProxyConfigName(), &corev1.ConfigMap{}, session, nil); err != nil {
			return fmt.Errorf("claiming config map %s: %w", inst.ProxyConfigName(), err)
		}
		if err := h.refreshPods(ctx, inst); err != nil {
			return err
		}
	}

	path := h.paths().Instance(appDef, n)
	if err := ingress.AddRules(ctx, h.Res, appDef.Spec.IngressName, h.hosts(appDef), path, svc.Name, appDef.Spec.Port); err != nil {
		return err
	}
	if err := status.Complete(ctx, h.Res, session, ""); err != nil {
		return err
	}
	h.URLs.Watch(ctx, session.Name, ingress.SessionURL(h.Config.InstancesHost, path), correlationID)
	return nil
}

// eagerSessionDeleted hands every slot of session back to the pool. Slots are found by the session
// labels since the owner reference may be gone already. Releases of one object do not stop the others.
func (h *Handlers) eagerSessionDeleted(ctx context.Context, session *appsessionv1.Session, _ string) error {
	appDef, found, err := h.getAppDefinition(ctx, session.Spec.AppDefinition)
	if err != nil || !found {
		return err
	}

	services, err := kube.ListOwnedBy[*corev1.Service](ctx, h.Res, &corev1.ServiceList{}, appDef.UID)
	if err != nil {
		return fmt.Errorf("listing services: %w", err)
	}

	var errs *multierror.Error
	for _, svc := range services {
		if !pool.BelongsTo(svc, session) {
			continue
		}
		n, err := pool.InstanceNumber(svc.Name)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		errs = multierror.Append(errs, h.releaseInstance(ctx, appDef, manifest.Pooled(appDef, n), session))
	}
	return errs.ErrorOrNil()
}

func (h *Handlers) releaseInstance(ctx context.Context, appDef *appsessionv1.AppDefinition, inst manifest.Instance, session *appsessionv1.Session) error {
	var errs *multierror.Error

	errs = multierror.Append(errs, pool.Release(ctx, h.Res, inst.ServiceName(), &corev1.Service{}, session, nil))
	errs = multierror.Append(errs, ingress.RemoveRules(ctx, h.Res, appDef.Spec.IngressName, h.paths().Instance(appDef, inst.Number), nil))
	errs = multierror.Append(errs, pool.Release(ctx, h.Res, inst.DeploymentName(), &appsv1.Deployment{}, session, nil))
	if h.Config.UseKeycloak {
		emails := &corev1.ConfigMap{}
		errs = multierror.Append(errs, pool.Release(ctx, h.Res, inst.EmailsConfigName(), emails, session, func() error {
			emails.Data = map[string]string{}
			return nil
		}))
		errs = multierror.Append(errs, pool.Release(ctx, h.Res, inst.ProxyConfigName(), &corev1.ConfigMap{}, session, nil))
	}

	pods, err := h.instancePods(ctx, inst)
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	for i := range pods {
		if err := h.Res.Delete(ctx, &pods[i]); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("deleting pod %s: %w", pods[i].Name, err))
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		return err
	}
	log.FromContext(ctx).Info("Released pooled instance", "instance", inst.Number)
	return nil
}

// refreshPods touches the pods of inst so the kubelet picks up claimed ConfigMaps sooner.
func (h *Handlers) refreshPods(ctx context.Context, inst manifest.Instance) error {
	pods, err := h.instancePods(ctx, inst)
	if err != nil {
		return err
	}
	stamp := h.now().Format(time.RFC3339)
	for _, p := range pods {
		pod := &corev1.Pod{}
		if err := h.Res.Edit(ctx, p.Name, pod, func() error {
			annotations := pod.GetAnnotations()
			if annotations == nil {
				annotations = map[string]string{}
			}
			annotations[RefreshAnnotation] = stamp
			pod.SetAnnotations(annotations)
			return nil
		}); err != nil {
			return fmt.Errorf("refreshing pod %s: %w", p.Name, err)
		}
	}
	return nil
}

func (h *Handlers) instancePods(ctx context.Context, inst manifest.Instance) ([]corev1.Pod, error) {
	var pods corev1.PodList
	if err := h.Res.List(ctx, &pods, client.MatchingLabels{manifest.LabelApp: inst.AppSelector()}); err != nil {
		return nil, fmt.Errorf("listing pods of %s: %w", inst.DeploymentName(), err)
	}
	return pods.Items, nil
}
