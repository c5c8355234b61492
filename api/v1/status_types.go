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
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// OperatorStatus is the reconciliation state the operator records on a custom resource.
// +kubebuilder:validation:Enum=NEW;HANDLING;HANDLED;ERROR
type OperatorStatus string

const (
	StatusNew      OperatorStatus = "NEW"
	StatusHandling OperatorStatus = "HANDLING"
	StatusHandled  OperatorStatus = "HANDLED"
	StatusError    OperatorStatus = "ERROR"
)

// OrNew maps the empty value to StatusNew. A resource without any status has never been seen.
func (s OperatorStatus) OrNew() OperatorStatus {
	if s == "" {
		return StatusNew
	}
	return s
}

// OperatorState is embedded in the status of every kind the operator handles.
type OperatorState struct {
	// +optional
	OperatorStatus OperatorStatus `json:"operatorStatus,omitempty"`
	// +optional
	OperatorMessage string `json:"operatorMessage,omitempty"`
}

// StatusStep records the progress of one provisioning step.
type StatusStep struct {
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

// Handled is implemented by every kind that carries an OperatorState.
// +kubebuilder:object:generate=false
type Handled interface {
	client.Object
	GetOperatorState() *OperatorState
}

func (a *AppDefinition) GetOperatorState() *OperatorState { return &a.Status.OperatorState }
func (s *Session) GetOperatorState() *OperatorState       { return &s.Status.OperatorState }
func (w *Workspace) GetOperatorState() *OperatorState     { return &w.Status.OperatorState }
