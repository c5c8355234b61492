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
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	appsessionv1 "github.com/codespace-operator/appsession-operator/api/v1"
	"github.com/codespace-operator/appsession-operator/internal/common"
	"github.com/codespace-operator/appsession-operator/internal/kube"
)

// Ingress is the shared, initially rule-less Ingress of appDef. Rule paths capture the remainder
// of the request path in $2, which the rewrite hands to the backend.
func Ingress(appDef *appsessionv1.AppDefinition) *networkingv1.Ingress {
	return &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{
			Name: appDef.Spec.IngressName,
			Labels: map[string]string{
				common.LabelPartOf:        common.LabelPartOfValue,
				common.LabelAppDefinition: common.SanitizeLabelValue(appDef.AppName()),
			},
			Annotations: map[string]string{
				"nginx.ingress.kubernetes.io/rewrite-target": "/$2",
				"nginx.ingress.kubernetes.io/use-regex":      "true",
			},
			OwnerReferences: []metav1.OwnerReference{kube.OwnerReference(appDef, appsessionv1.AppDefinitionKind)},
		},
	}
}
