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

package manifest

import (
	"fmt"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	appsessionv1 "github.com/codespace-operator/appsession-operator/api/v1"
	"github.com/codespace-operator/appsession-operator/internal/common"
	"github.com/codespace-operator/appsession-operator/internal/kube"
)

const DefaultRequestedStorage = "250Mi"

// PersistentVolumeClaim is the claim backing ws. An empty storageClass leaves the cluster default.
func PersistentVolumeClaim(ws *appsessionv1.Workspace, storageClass, requestedStorage string) (*corev1.PersistentVolumeClaim, error) {
	if requestedStorage == "" {
		requestedStorage = DefaultRequestedStorage
	}
	size, err := resource.ParseQuantity(requestedStorage)
	if err != nil {
		return nil, fmt.Errorf("requested storage %q: %w", requestedStorage, err)
	}

	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name: common.StorageName(ws.WorkspaceName()),
			Labels: map[string]string{
				common.LabelPartOf: common.LabelPartOfValue,
				common.LabelUser:   common.SanitizeUserLabel(ws.Spec.User),
			},
			OwnerReferences: []metav1.OwnerReference{kube.OwnerReference(ws, appsessionv1.WorkspaceKind)},
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{corev1.ResourceStorage: size},
			},
		},
	}
	if storageClass != "" {
		pvc.Spec.StorageClassName = &storageClass
	}
	return pvc, nil
}
