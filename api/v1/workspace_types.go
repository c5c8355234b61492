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

type WorkspaceSpec struct {
	// +optional
	Name string `json:"name,omitempty"`
	// +optional
	Label string `json:"label,omitempty"`
	// AppDefinition is the definition last used with this workspace.
	// +optional
	AppDefinition string `json:"appDefinition,omitempty"`
	// +kubebuilder:validation:MinLength=1
	User string `json:"user"`
	// Storage is the claim name, set by the operator once provisioned.
	// +optional
	Storage string `json:"storage,omitempty"`
}

type WorkspaceStatus struct {
	OperatorState `json:",inline"`

	// +optional
	Error string `json:"error,omitempty"`
	// +optional
	VolumeClaim *StatusStep `json:"volumeClaim,omitempty"`
	// +optional
	VolumeAttach *StatusStep `json:"volumeAttach,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:shortName=ws
// +kubebuilder:printcolumn:name="User",type=string,JSONPath=`.spec.user`
// +kubebuilder:printcolumn:name="Storage",type=string,JSONPath=`.spec.storage`
// +kubebuilder:printcolumn:name="Status",type=string,JSONPath=`.status.operatorStatus`
type Workspace struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   WorkspaceSpec   `json:"spec,omitempty"`
	Status WorkspaceStatus `json:"status,omitempty"`
}

// WorkspaceName returns spec.name, falling back to the object name.
func (w *Workspace) WorkspaceName() string {
	if w.Spec.Name != "" {
		return w.Spec.Name
	}
	return w.Name
}

// +kubebuilder:object:root=true
type WorkspaceList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Workspace `json:"items"`
}

func init() {
	SchemeBuilder.Register(&Workspace{}, &WorkspaceList{})
}
