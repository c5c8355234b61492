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
	"fmt"
	"strings"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"sigs.k8s.io/controller-runtime/pkg/log"

	appsessionv1 "github.com/codespace-operator/appsession-operator/api/v1"
	"github.com/codespace-operator/appsession-operator/internal/common"
	"github.com/codespace-operator/appsession-operator/internal/enrich"
	"github.com/codespace-operator/appsession-operator/internal/ingress"
	"github.com/codespace-operator/appsession-operator/internal/kube"
	"github.com/codespace-operator/appsession-operator/internal/manifest"
	"github.com/codespace-operator/appsession-operator/internal/pool"
	"github.com/codespace-operator/appsession-operator/internal/status"
)

func (h *Handlers) appDefinitionAdded(ctx context.Context, appDef *appsessionv1.AppDefinition, correlationID string) error {
	proceed, _, err := status.Gate(ctx, h.Res, appDef, correlationID)
	if err != nil || !proceed {
		return err
	}

	if strings.TrimSpace(appDef.Spec.IngressName) == "" {
		return status.Fail(ctx, h.Res, appDef, "No ingress name configured.")
	}
	if err := h.ensureIngress(ctx, appDef); err != nil {
		return err
	}
	if h.Config.EagerStart {
		if err := h.ensurePool(ctx, appDef); err != nil {
			return err
		}
	}
	return status.Complete(ctx, h.Res, appDef, "")
}

// Owned objects go with the app definition through garbage collection.
func (h *Handlers) appDefinitionDeleted(ctx context.Context, appDef *appsessionv1.AppDefinition, _ string) error {
	log.FromContext(ctx).Info("App definition deleted, its objects are garbage collected")
	return nil
}

// ensureIngress creates the shared Ingress of appDef, or adds appDef as owner of an existing one.
func (h *Handlers) ensureIngress(ctx context.Context, appDef *appsessionv1.AppDefinition) error {
	logger := log.FromContext(ctx)
	name := appDef.Spec.IngressName

	ing := &networkingv1.Ingress{}
	found, err := h.Res.Has(ctx, name, ing)
	if err != nil {
		return fmt.Errorf("looking up ingress %s: %w", name, err)
	}
	if !found {
		err := h.Res.Create(ctx, manifest.Ingress(appDef))
		if err == nil {
			logger.Info("Created ingress", "ingress", name)
			return nil
		}
		if !apierrors.IsAlreadyExists(err) {
			return fmt.Errorf("creating ingress %s: %w", name, err)
		}
	} else if kube.IsOwnedByUID(ing, appDef.UID) {
		return nil
	}

	ref := kube.OwnerReference(appDef, appsessionv1.AppDefinitionKind)
	if err := h.Res.Edit(ctx, name, ing, func() error {
		kube.AddOwnerReference(ing, ref)
		return nil
	}); err != nil {
		return fmt.Errorf("adding owner to ingress %s: %w", name, err)
	}
	logger.Info("Ingress available already, added owner reference", "ingress", name)
	return nil
}

// ensurePool creates every pooled object of appDef that is missing among instances 1..minInstances.
func (h *Handlers) ensurePool(ctx context.Context, appDef *appsessionv1.AppDefinition) error {
	logger := log.FromContext(ctx)
	n := int(appDef.Spec.MinInstances)
	opts := h.opts()

	services, err := kube.ListOwnedBy[*corev1.Service](ctx, h.Res, &corev1.ServiceList{}, appDef.UID)
	if err != nil {
		return fmt.Errorf("listing services: %w", err)
	}
	for _, i := range pool.ComputeMissing(ctx, n, names(services)) {
		if err := h.createIfAbsent(ctx, manifest.Service(manifest.Pooled(appDef, i), opts)); err != nil {
			return err
		}
	}

	if h.Config.UseKeycloak {
		configMaps, err := kube.ListOwnedBy[*corev1.ConfigMap](ctx, h.Res, &corev1.ConfigMapList{}, appDef.UID)
		if err != nil {
			return fmt.Errorf("listing config maps: %w", err)
		}
		proxies, emails := splitByRole(configMaps)
		for _, i := range pool.ComputeMissing(ctx, n, proxies) {
			path := h.paths().Instance(appDef, i)
			if err := h.createIfAbsent(ctx, manifest.ProxyConfigMap(manifest.Pooled(appDef, i), path, opts)); err != nil {
				return err
			}
		}
		for _, i := range pool.ComputeMissing(ctx, n, emails) {
			if err := h.createIfAbsent(ctx, manifest.EmailsConfigMap(manifest.Pooled(appDef, i))); err != nil {
				return err
			}
		}
	}

	deployments, err := kube.ListOwnedBy[*appsv1.Deployment](ctx, h.Res, &appsv1.DeploymentList{}, appDef.UID)
	if err != nil {
		return fmt.Errorf("listing deployments: %w", err)
	}
	for _, i := range pool.ComputeMissing(ctx, n, names(deployments)) {
		url := ingress.SessionURL(h.Config.InstancesHost, h.paths().Instance(appDef, i))
		d, err := manifest.Deployment(manifest.Pooled(appDef, i), url, opts)
		if err != nil {
			return err
		}
		h.enrich(d, appDef)
		if err := h.createIfAbsent(ctx, d); err != nil {
			return err
		}
	}

	logger.Info("Pool is complete", "instances", n)
	return nil
}

// enrich applies the settings shared by pooled and dedicated deployments.
func (h *Handlers) enrich(d *appsv1.Deployment, appDef *appsessionv1.AppDefinition) {
	enrich.LimitBandwidth(d, enrich.BandwidthLimiter(h.Config.BandwidthLimiter), h.Config.WondershaperImage,
		appDef.Spec.DownlinkLimit, appDef.Spec.UplinkLimit)
	enrich.RemoveEmptyResources(d)
	enrich.AddImagePullSecret(d, appDef.Spec.PullSecret)
}

func names[T interface{ GetName() string }](objs []T) []string {
	out := make([]string, 0, len(objs))
	for _, o := range objs {
		out = append(out, o.GetName())
	}
	return out
}

func splitByRole(configMaps []*corev1.ConfigMap) (proxies, emails []string) {
	for _, cm := range configMaps {
		switch cm.Labels[common.LabelConfigRole] {
		case common.ConfigRoleProxy:
			proxies = append(proxies, cm.Name)
		case common.ConfigRoleEmails:
			emails = append(emails, cm.Name)
		}
	}
	return proxies, emails
}
