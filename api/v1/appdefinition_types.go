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

package v1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// DefaultMountPath is where workspace storage is mounted when the AppDefinition does not say.
const DefaultMountPath = "/home/project/persisted"

type ActivityTracker struct {
	TimeoutAfter int32 `json:"timeoutAfter,omitempty"`
	NotifyAfter  int32 `json:"notifyAfter,omitempty"`
}

type MonitorSpec struct {
	Port            int32            `json:"port,omitempty"`
	ActivityTracker *ActivityTracker `json:"activityTracker,omitempty"`
}

type AppDefinitionSpec struct {
	// Name is the logical name used when deriving names of owned objects.
	// Defaults to metadata.name.
	// +optional
	Name string `json:"name,omitempty"`

	// +kubebuilder:validation:MinLength=1
	Image string `json:"image"`
	// +optional
	ImagePullPolicy string `json:"imagePullPolicy,omitempty"`
	// PullSecret names an image pull secret added to every pod.
	// +optional
	PullSecret string `json:"pullSecret,omitempty"`

	// UID is used as runAsUser and fsGroup of the pods.
	// +optional
	UID int64 `json:"uid,omitempty"`
	// +kubebuilder:validation:Minimum=1
	Port int32 `json:"port"`

	// IngressName is the shared Ingress all sessions of this definition are routed through.
	// +kubebuilder:validation:MinLength=1
	IngressName string `json:"ingressname"`

	// MinInstances is the number of pooled instances kept ready in eager mode.
	// +kubebuilder:validation:Minimum=0
	// +optional
	MinInstances int32 `json:"minInstances,omitempty"`
	// MaxInstances caps concurrent sessions. Nil or negative means unlimited.
	// +optional
	MaxInstances *int32 `json:"maxInstances,omitempty"`

	// Timeout in minutes after which sessions are stopped. Values below 1 disable it.
	// +optional
	Timeout int32 `json:"timeout,omitempty"`

	// +optional
	RequestsMemory string `json:"requestsMemory,omitempty"`
	// +optional
	RequestsCPU string `json:"requestsCpu,omitempty"`
	// +optional
	LimitsMemory string `json:"limitsMemory,omitempty"`
	// +optional
	LimitsCPU string `json:"limitsCpu,omitempty"`

	// DownlinkLimit and UplinkLimit are in kilobits per second.
	// +optional
	DownlinkLimit int32 `json:"downlinkLimit,omitempty"`
	// +optional
	UplinkLimit int32 `json:"uplinkLimit,omitempty"`

	// +optional
	MountPath string `json:"mountPath,omitempty"`

	// +optional
	Monitor *MonitorSpec `json:"monitor,omitempty"`
	// +optional
	Options map[string]string `json:"options,omitempty"`
	// IngressHostnamePrefixes adds one extra host per prefix in front of the instances host.
	// +optional
	IngressHostnamePrefixes []string `json:"ingressHostnamePrefixes,omitempty"`
}

type AppDefinitionStatus struct {
	OperatorState `json:",inline"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:shortName=appdef
// +kubebuilder:printcolumn:name="Image",type=string,JSONPath=`.spec.image`
// +kubebuilder:printcolumn:name="Status",type=string,JSONPath=`.status.operatorStatus`
type AppDefinition struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   AppDefinitionSpec   `json:"spec,omitempty"`
	Status AppDefinitionStatus `json:"status,omitempty"`
}

// AppName returns spec.name, falling back to the object name.
func (a *AppDefinition) AppName() string {
	if a.Spec.Name != "" {
		return a.Spec.Name
	}
	return a.Name
}

// MountPathOrDefault returns where workspace storage is mounted.
func (a *AppDefinition) MountPathOrDefault() string {
	if a.Spec.MountPath == "" {
		return DefaultMountPath
	}
	return a.Spec.MountPath
}

// +kubebuilder:object:root=true
type AppDefinitionList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []AppDefinition `json:"items"`
}

func init() {
	SchemeBuilder.Register(&AppDefinition{}, &AppDefinitionList{})
}
