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
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/watch"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	appsessionv1 "github.com/codespace-operator/appsession-operator/api/v1"
	"github.com/codespace-operator/appsession-operator/internal/dispatch"
	"github.com/codespace-operator/appsession-operator/internal/ingress"
	"github.com/codespace-operator/appsession-operator/internal/kube"
	"github.com/codespace-operator/appsession-operator/internal/launcher"
	"github.com/codespace-operator/appsession-operator/internal/manifest"
	"github.com/codespace-operator/appsession-operator/internal/status"
)

// RBAC markers (operator-sdk reads these)
//+kubebuilder:rbac:groups=appsession.codespace.dev,resources=appdefinitions;sessions;workspaces,verbs=get;list;watch;create;update;patch;delete
//+kubebuilder:rbac:groups=appsession.codespace.dev,resources=appdefinitions/status;sessions/status;workspaces/status,verbs=get;update;patch
//+kubebuilder:rbac:groups="",resources=configmaps;services;persistentvolumeclaims,verbs=create;update;patch;get;list;watch;delete
//+kubebuilder:rbac:groups="",resources=pods,verbs=get;list;watch;update;patch;delete
//+kubebuilder:rbac:groups=apps,resources=deployments,verbs=create;update;patch;get;list;watch;delete
//+kubebuilder:rbac:groups=networking.k8s.io,resources=ingresses,verbs=create;update;patch;get;list;watch;delete
//+kubebuilder:rbac:groups=apiextensions.k8s.io,resources=customresourcedefinitions,verbs=get

// URLWatcher publishes status.url of a session once url answers.
type URLWatcher interface {
	Watch(ctx context.Context, session, url, correlationID string)
}

// Handlers holds what every handler needs. One value serves all three kinds.
type Handlers struct {
	Res    *kube.Resources
	Config *OperatorConfig
	URLs   URLWatcher

	// Now is overridable in tests.
	Now func() time.Time
}

func (h *Handlers) now() time.Time {
	if h.Now == nil {
		return time.Now()
	}
	return h.Now()
}

func (h *Handlers) opts() manifest.Options { return h.Config.ManifestOptions() }

func (h *Handlers) paths() ingress.Paths { return h.Config.Paths() }

func (h *Handlers) hosts(appDef *appsessionv1.AppDefinition) []string {
	return ingress.Hosts(h.Config.InstancesHost, appDef.Spec.IngressHostnamePrefixes)
}

// typed adapts added and deleted callbacks for kind T to dispatch.Handler. MODIFIED events
// carry nothing the handlers act on.
type typed[T appsessionv1.Handled] struct {
	res     *kube.Resources
	added   func(ctx context.Context, obj T, correlationID string) error
	deleted func(ctx context.Context, obj T, correlationID string) error
}

func (t typed[T]) Handle(ctx context.Context, action watch.EventType, obj client.Object, correlationID string) error {
	o, ok := obj.(T)
	if !ok {
		return fmt.Errorf("unexpected object %T", obj)
	}
	logger := log.FromContext(ctx).WithValues("name", o.GetName(), "correlationId", correlationID)
	ctx = log.IntoContext(ctx, logger)

	var err error
	switch action {
	case watch.Added:
		logger.Info("Handling added")
		err = t.added(ctx, o, correlationID)
	case watch.Deleted:
		logger.Info("Handling deleted")
		err = t.deleted(ctx, o, correlationID)
	default:
		return nil
	}
	if err == nil {
		return nil
	}

	logger.Error(err, "An unexpected error occurred", "action", action)
	if action == watch.Added {
		if ferr := status.FailUnexpected(ctx, t.res, o, correlationID); ferr != nil && !apierrors.IsNotFound(ferr) {
			logger.Error(ferr, "Recording unexpected error")
		}
	}
	return nil
}

// AppDefinitionHandler handles AppDefinitions in the configured start mode.
func (h *Handlers) AppDefinitionHandler() dispatch.Handler {
	return typed[*appsessionv1.AppDefinition]{res: h.Res, added: h.appDefinitionAdded, deleted: h.appDefinitionDeleted}
}

// SessionHandler handles Sessions eagerly from the pool or lazily with dedicated objects.
func (h *Handlers) SessionHandler() dispatch.Handler {
	if h.Config.EagerStart {
		return typed[*appsessionv1.Session]{res: h.Res, added: h.eagerSessionAdded, deleted: h.eagerSessionDeleted}
	}
	return typed[*appsessionv1.Session]{res: h.Res, added: h.lazySessionAdded, deleted: h.lazySessionDeleted}
}

// WorkspaceHandler provisions and removes workspace storage.
func (h *Handlers) WorkspaceHandler() dispatch.Handler {
	return typed[*appsessionv1.Workspace]{res: h.Res, added: h.workspaceAdded, deleted: h.workspaceDeleted}
}

// failSession marks session ERROR with message and, when set, the launch error callers receive.
func (h *Handlers) failSession(ctx context.Context, session *appsessionv1.Session, launchErr *launcher.Error, message string) error {
	log.FromContext(ctx).Info("Session failed", "message", message)
	return h.Res.UpdateStatus(ctx, session.Name, session, func() error {
		session.Status.OperatorStatus = appsessionv1.StatusError
		session.Status.OperatorMessage = message
		if launchErr != nil {
			session.Status.Error = launchErr.String()
		}
		return nil
	})
}

// sessionHandled marks session HANDLED and stamps its activity.
func (h *Handlers) sessionHandled(ctx context.Context, session *appsessionv1.Session, message string) error {
	return h.Res.UpdateStatus(ctx, session.Name, session, func() error {
		session.Status.OperatorStatus = appsessionv1.StatusHandled
		session.Status.OperatorMessage = message
		session.Status.LastActivity = h.now().UnixMilli()
		return nil
	})
}

// createIfAbsent creates obj. An object of that name already existing is fine.
func (h *Handlers) createIfAbsent(ctx context.Context, obj client.Object) error {
	err := h.Res.Create(ctx, obj)
	if apierrors.IsAlreadyExists(err) {
		log.FromContext(ctx).V(1).Info("Already exists", "kind", fmt.Sprintf("%T", obj), "object", obj.GetName())
		return nil
	}
	if err != nil {
		return fmt.Errorf("creating %s: %w", obj.GetName(), err)
	}
	return nil
}

// getAppDefinition loads the app definition named by a session. found is false when it is gone.
func (h *Handlers) getAppDefinition(ctx context.Context, name string) (appDef *appsessionv1.AppDefinition, found bool, err error) {
	appDef = &appsessionv1.AppDefinition{}
	found, err = h.Res.Has(ctx, name, appDef)
	return appDef, found, err
}
