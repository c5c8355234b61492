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
	"fmt"

	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/manager"

	appsessionv1 "github.com/codespace-operator/appsession-operator/api/v1"
	"github.com/codespace-operator/appsession-operator/internal/dispatch"
	"github.com/codespace-operator/appsession-operator/internal/killafter"
	"github.com/codespace-operator/appsession-operator/internal/kube"
	"github.com/codespace-operator/appsession-operator/internal/urlpoll"
)

// Dispatchers returns one dispatcher per watched kind, AppDefinitions first.
func (h *Handlers) Dispatchers(c client.WithWatch) []*dispatch.Dispatcher {
	d := func(kind string, newList func() client.ObjectList, handler dispatch.Handler) *dispatch.Dispatcher {
		return &dispatch.Dispatcher{
			Kind:            kind,
			Client:          c,
			Namespace:       h.Res.Namespace,
			NewList:         newList,
			Handler:         handler,
			MaxIdle:         h.Config.MaxWatchIdleTime,
			ContinueOnError: h.Config.ContinueOnException,
			Log:             ctrl.Log.WithName("dispatch"),
		}
	}
	return []*dispatch.Dispatcher{
		d(appsessionv1.AppDefinitionKind, func() client.ObjectList { return &appsessionv1.AppDefinitionList{} }, h.AppDefinitionHandler()),
		d(appsessionv1.WorkspaceKind, func() client.ObjectList { return &appsessionv1.WorkspaceList{} }, h.WorkspaceHandler()),
		d(appsessionv1.SessionKind, func() client.ObjectList { return &appsessionv1.SessionList{} }, h.SessionHandler()),
	}
}

// Setup registers the dispatchers, the URL poller and the kill-after scanner with mgr. c must
// support watches; the cached manager client does not.
func Setup(mgr manager.Manager, c client.WithWatch, cfg *OperatorConfig) error {
	res := kube.New(c, cfg.Namespace)
	poller := urlpoll.New(res, cfg.URLPollWorkers)

	h := &Handlers{Res: res, Config: cfg, URLs: poller}
	for _, d := range h.Dispatchers(c) {
		if err := mgr.Add(d); err != nil {
			return fmt.Errorf("adding %s dispatcher: %w", d.Kind, err)
		}
	}
	if err := mgr.Add(poller); err != nil {
		return fmt.Errorf("adding URL poller: %w", err)
	}

	scanner := &killafter.Scanner{
		Res:      res,
		Mode:     cfg.KillAfterMode,
		Interval: cfg.MonitorInterval,
		Log:      ctrl.Log.WithName("killafter"),
	}
	if err := mgr.Add(scanner); err != nil {
		return fmt.Errorf("adding kill-after scanner: %w", err)
	}
	return nil
}
