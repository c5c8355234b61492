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
	"strings"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

type SessionSpec struct {
	// +optional
	Name string `json:"name,omitempty"`
	// +kubebuilder:validation:MinLength=1
	AppDefinition string `json:"appDefinition"`
	// +kubebuilder:validation:MinLength=1
	User string `json:"user"`
	// Workspace is empty for ephemeral sessions.
	// +optional
	Workspace string `json:"workspace,omitempty"`
	// +optional
	SessionSecret string `json:"sessionSecret,omitempty"`

	// +optional
	Options map[string]string `json:"options,omitempty"`
	// +optional
	EnvVars map[string]string `json:"envVars,omitempty"`
	// +optional
	EnvVarsFromConfigMaps []string `json:"envVarsFromConfigMaps,omitempty"`
	// +optional
	EnvVarsFromSecrets []string `json:"envVarsFromSecrets,omitempty"`
}

type SessionStatus struct {
	OperatorState `json:",inline"`

	// URL is set once the session backend answers.
	// +optional
	URL string `json:"url,omitempty"`
	// Error holds a serialized "code:reason" launch error.
	// +optional
	Error string `json:"error,omitempty"`
	// LastActivity in epoch milliseconds.
	// +optional
	LastActivity int64 `json:"lastActivity,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:printcolumn:name="AppDefinition",type=string,JSONPath=`.spec.appDefinition`
// +kubebuilder:printcolumn:name="User",type=string,JSONPath=`.spec.user`
// +kubebuilder:printcolumn:name="Status",type=string,JSONPath=`.status.operatorStatus`
// +kubebuilder:printcolumn:name="URL",type=string,JSONPath=`.status.url`
type Session struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   SessionSpec   `json:"spec,omitempty"`
	Status SessionStatus `json:"status,omitempty"`
}

// IsEphemeral reports whether the session runs without a workspace.
func (s *Session) IsEphemeral() bool {
	return strings.TrimSpace(s.Spec.Workspace) == ""
}

// +kubebuilder:object:root=true
type SessionList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Session `json:"items"`
}

// Register the API types with the SchemeBuilder.
func init() {
	SchemeBuilder.Register(&Session{}, &SessionList{})
}
