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

	"github.com/hashicorp/go-multierror"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/log"

	appsessionv1 "github.com/codespace-operator/appsession-operator/api/v1"
	"github.com/codespace-operator/appsession-operator/internal/common"
	"github.com/codespace-operator/appsession-operator/internal/manifest"
	"github.com/codespace-operator/appsession-operator/internal/status"
)

// Progress of the volumeClaim and volumeAttach steps.
const (
	StepStarted  = "started"
	StepClaimed  = "claimed"
	StepFinished = "finished"
)

func (h *Handlers) workspaceAdded(ctx context.Context, ws *appsessionv1.Workspace, correlationID string) error {
	proceed, _, err := status.Gate(ctx, h.Res, ws, correlationID)
	if err != nil || !proceed {
		return err
	}
	storage := common.StorageName(ws.WorkspaceName())

	if err := h.workspaceSteps(ctx, ws, func(s *appsessionv1.WorkspaceStatus) {
		s.VolumeClaim = &appsessionv1.StatusStep{Status: StepStarted}
	}); err != nil {
		return err
	}

	if err := h.workspaceSteps(ctx, ws, func(s *appsessionv1.WorkspaceStatus) {
		s.VolumeClaim = &appsessionv1.StatusStep{Status: StepFinished}
		s.VolumeAttach = &appsessionv1.StatusStep{Status: StepStarted}
	}); err != nil {
		return err
	}

	found, err := h.Res.Has(ctx, storage, &corev1.PersistentVolumeClaim{})
	if err != nil {
		return err
	}
	if !found {
		pvc, err := manifest.PersistentVolumeClaim(ws, h.Config.StorageClassName, h.Config.RequestedStorage)
		if err != nil {
			return err
		}
		if err := h.createIfAbsent(ctx, pvc); err != nil {
			return err
		}
		log.FromContext(ctx).Info("Created persistent volume claim", "claim", storage)
	}

	if err := h.workspaceSteps(ctx, ws, func(s *appsessionv1.WorkspaceStatus) {
		s.VolumeAttach = &appsessionv1.StatusStep{Status: StepClaimed}
	}); err != nil {
		return err
	}

	if err := h.Res.Edit(ctx, ws.Name, ws, func() error {
		ws.Spec.Storage = storage
		return nil
	}); err != nil {
		return fmt.Errorf("setting storage of workspace %s: %w", ws.Name, err)
	}

	if err := h.workspaceSteps(ctx, ws, func(s *appsessionv1.WorkspaceStatus) {
		s.VolumeAttach = &appsessionv1.StatusStep{Status: StepFinished}
	}); err != nil {
		return err
	}
	return status.Complete(ctx, h.Res, ws, "")
}

// workspaceDeleted removes the session and claim of ws. Either may be gone already.
func (h *Handlers) workspaceDeleted(ctx context.Context, ws *appsessionv1.Workspace, _ string) error {
	var errs *multierror.Error

	session := &appsessionv1.Session{ObjectMeta: metav1.ObjectMeta{Name: common.SessionNameForWorkspace(ws.WorkspaceName())}}
	if err := h.Res.Delete(ctx, session); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("deleting session %s: %w", session.Name, err))
	}
	pvc := &corev1.PersistentVolumeClaim{ObjectMeta: metav1.ObjectMeta{Name: common.StorageName(ws.WorkspaceName())}}
	if err := h.Res.Delete(ctx, pvc); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("deleting claim %s: %w", pvc.Name, err))
	}
	return errs.ErrorOrNil()
}

func (h *Handlers) workspaceSteps(ctx context.Context, ws *appsessionv1.Workspace, mutate func(*appsessionv1.WorkspaceStatus)) error {
	return h.Res.UpdateStatus(ctx, ws.Name, ws, func() error {
		mutate(&ws.Status)
		return nil
	})
}
