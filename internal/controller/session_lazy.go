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
	"github.com/codespace-operator/appsession-operator/internal/launcher"
	"github.com/codespace-operator/appsession-operator/internal/manifest"
	"github.com/codespace-operator/appsession-operator/internal/status"
)

func (h *Handlers) lazySessionAdded(ctx context.Context, session *appsessionv1.Session, correlationID string) error {
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

	reached, err := launcher.MaxInstancesReached(ctx, h.Res, appDef)
	if err != nil {
		return err
	}
	if reached {
		return h.failSession(ctx, session, launcher.ErrServerLimitReached, "Max instances reached.")
	}
	if launchErr, err := h.userLimit(ctx, session); err != nil || launchErr != nil {
		if err != nil {
			return err
		}
		return h.failSession(ctx, session, launchErr, "Max sessions reached.")
	}

	if found, err := h.Res.Has(ctx, appDef.Spec.IngressName, &networkingv1.Ingress{}); err != nil || !found {
		if err != nil {
			return err
		}
		return h.failSession(ctx, session, nil, "Ingress not available.")
	}

	storage := ""
	if !session.IsEphemeral() {
		if storage, err = h.workspaceStorage(ctx, session); err != nil {
			return err
		}
	}

	// Re-entry after a crash finds what the previous run created.
	existing, err := h.ownedBy(ctx, session)
	if err != nil {
		return err
	}
	switch {
	case existing.service:
		return h.sessionHandled(ctx, session, "Service already exists.")
	case existing.configMaps:
		return h.sessionHandled(ctx, session, "Configmaps already exist.")
	case existing.deployment:
		return h.sessionHandled(ctx, session, "Deployment already exists.")
	}

	inst := manifest.Dedicated(appDef, session)
	opts := h.opts()
	path := h.paths().Session(session)
	url := ingress.SessionURL(h.Config.InstancesHost, path)

	if err := h.createIfAbsent(ctx, manifest.Service(inst, opts)); err != nil {
		return err
	}
	if h.Config.UseKeycloak {
		if err := h.createIfAbsent(ctx, manifest.ProxyConfigMap(inst, path, opts)); err != nil {
			return err
		}
		if err := h.createIfAbsent(ctx, manifest.EmailsConfigMap(inst)); err != nil {
			return err
		}
	}

	d, err := manifest.Deployment(inst, url, opts)
	if err != nil {
		return err
	}
	if !enrich.AddEnv(d, appDef.AppName(), session.Spec.EnvVars, session.Spec.EnvVarsFromConfigMaps, session.Spec.EnvVarsFromSecrets) {
		logger.Info("App container not found, session environment not applied")
	}
	h.enrich(d, appDef)
	if storage != "" {
		enrich.AddPersistentVolume(d, storage, appDef)
	}
	if err := h.createIfAbsent(ctx, d); err != nil {
		return err
	}

	if err := ingress.AddRules(ctx, h.Res, appDef.Spec.IngressName, h.hosts(appDef), path, inst.ServiceName(), appDef.Spec.Port); err != nil {
		return err
	}
	if err := h.sessionHandled(ctx, session, ""); err != nil {
		return err
	}
	h.URLs.Watch(ctx, session.Name, url, correlationID)
	return nil
}

// Dedicated objects are owned by the session and garbage collected; only the shared Ingress needs
// cleaning up.
func (h *Handlers) lazySessionDeleted(ctx context.Context, session *appsessionv1.Session, _ string) error {
	appDef, found, err := h.getAppDefinition(ctx, session.Spec.AppDefinition)
	if err != nil || !found {
		return err
	}
	return ingress.RemoveRules(ctx, h.Res, appDef.Spec.IngressName, h.paths().Session(session), h.hosts(appDef))
}

// userLimit returns the launch error when the user of session has used up sessions_per_user.
func (h *Handlers) userLimit(ctx context.Context, session *appsessionv1.Session) (*launcher.Error, error) {
	limit := h.Config.SessionsPerUser
	if limit == nil || *limit < 0 {
		return nil, nil
	}
	if *limit == 0 {
		return launcher.ErrUserNoSessions, nil
	}
	count, err := launcher.UserSessions(ctx, h.Res, session.Spec.User)
	if err != nil {
		return nil, err
	}
	if count > *limit {
		return launcher.ErrUserLimitReached, nil
	}
	return nil, nil
}

// workspaceStorage records the app definition on the workspace of session and returns the claim to
// mount. The session runs without storage when the workspace, its user or its claim do not match.
func (h *Handlers) workspaceStorage(ctx context.Context, session *appsessionv1.Session) (string, error) {
	logger := log.FromContext(ctx).WithValues("workspace", session.Spec.Workspace)

	ws := &appsessionv1.Workspace{}
	err := h.Res.Edit(ctx, session.Spec.Workspace, ws, func() error {
		ws.Spec.AppDefinition = session.Spec.AppDefinition
		return nil
	})
	if apierrors.IsNotFound(err) {
		logger.Info("Workspace not found, starting without storage")
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("updating workspace %s: %w", session.Spec.Workspace, err)
	}

	if ws.Spec.User != session.Spec.User {
		logger.Error(nil, "Workspace belongs to another user, starting without storage",
			"workspaceUser", ws.Spec.User, "sessionUser", session.Spec.User)
		return "", nil
	}

	claim := common.StorageName(ws.WorkspaceName())
	found, err := h.Res.Has(ctx, claim, &corev1.PersistentVolumeClaim{})
	if err != nil {
		return "", err
	}
	if !found {
		logger.Info("Workspace storage not found, starting without it", "claim", claim)
		return "", nil
	}
	return claim, nil
}

type sessionObjects struct {
	service, configMaps, deployment bool
}

func (h *Handlers) ownedBy(ctx context.Context, session *appsessionv1.Session) (sessionObjects, error) {
	var out sessionObjects

	services, err := kube.ListOwnedBy[*corev1.Service](ctx, h.Res, &corev1.ServiceList{}, session.UID)
	if err != nil {
		return out, fmt.Errorf("listing services: %w", err)
	}
	configMaps, err := kube.ListOwnedBy[*corev1.ConfigMap](ctx, h.Res, &corev1.ConfigMapList{}, session.UID)
	if err != nil {
		return out, fmt.Errorf("listing config maps: %w", err)
	}
	deployments, err := kube.ListOwnedBy[*appsv1.Deployment](ctx, h.Res, &appsv1.DeploymentList{}, session.UID)
	if err != nil {
		return out, fmt.Errorf("listing deployments: %w", err)
	}

	out.service = len(services) > 0
	out.configMaps = len(configMaps) > 0
	out.deployment = len(deployments) > 0
	return out, nil
}
