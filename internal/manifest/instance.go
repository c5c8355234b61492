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

// Package manifest builds the typed objects the operator creates for an app definition: pooled
// instances owned by the AppDefinition, or dedicated objects owned by one Session.
package manifest

import (
	"strconv"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	appsessionv1 "github.com/codespace-operator/appsession-operator/api/v1"
	"github.com/codespace-operator/appsession-operator/internal/common"
	"github.com/codespace-operator/appsession-operator/internal/kube"
	"github.com/codespace-operator/appsession-operator/internal/pool"
)

// LabelApp selects the pods of one instance.
const LabelApp = "app"

// Instance is either pooled instance Number of AppDef or the dedicated instance of Session.
type Instance struct {
	AppDef  *appsessionv1.AppDefinition
	Number  int
	Session *appsessionv1.Session
}

func Pooled(appDef *appsessionv1.AppDefinition, n int) Instance {
	return Instance{AppDef: appDef, Number: n}
}

func Dedicated(appDef *appsessionv1.AppDefinition, session *appsessionv1.Session) Instance {
	return Instance{AppDef: appDef, Session: session}
}

func (i Instance) IsPooled() bool { return i.Session == nil }

func (i Instance) name(suffix string) string {
	if i.IsPooled() {
		return pool.Name(i.AppDef.AppName(), suffix, i.Number)
	}
	return common.CreateName(string(i.Session.UID), suffix, sessionInfo(i.Session))
}

func (i Instance) ServiceName() string      { return i.name(pool.SuffixService) }
func (i Instance) DeploymentName() string   { return i.name(pool.SuffixDeployment) }
func (i Instance) ProxyConfigName() string  { return i.name(pool.SuffixConfig) }
func (i Instance) EmailsConfigName() string { return i.name(pool.SuffixEmailConfig) }

// AppSelector is the value of the app label shared by the Deployment's pods and the Service selector.
func (i Instance) AppSelector() string {
	if i.IsPooled() {
		return common.AsValidName(i.AppDef.AppName()+"-"+strconv.Itoa(i.Number), common.ValidNameLimit)
	}
	return common.AsValidName(sessionName(i.Session)+"-"+string(i.Session.UID), common.ValidNameLimit)
}

// Owner is the AppDefinition for pooled instances and the Session otherwise.
func (i Instance) Owner() metav1.OwnerReference {
	if i.IsPooled() {
		return kube.OwnerReference(i.AppDef, appsessionv1.AppDefinitionKind)
	}
	return kube.OwnerReference(i.Session, appsessionv1.SessionKind)
}

func (i Instance) meta(name string, labels map[string]string) metav1.ObjectMeta {
	return metav1.ObjectMeta{
		Name:            name,
		Labels:          labels,
		OwnerReferences: []metav1.OwnerReference{i.Owner()},
	}
}

// labels of pooled objects name their app definition only; dedicated ones carry the full session set.
func (i Instance) labels() map[string]string {
	if i.IsPooled() {
		return map[string]string{
			common.LabelComponent:     common.LabelComponentValue,
			common.LabelPartOf:        common.LabelPartOfValue,
			common.LabelAppDefinition: common.SanitizeLabelValue(i.AppDef.AppName()),
		}
	}
	return pool.SessionLabels(i.Session)
}

func sessionName(s *appsessionv1.Session) string {
	if s.Spec.Name != "" {
		return s.Spec.Name
	}
	return s.Name
}

func sessionInfo(s *appsessionv1.Session) string {
	ws := s.Spec.Workspace
	if s.IsEphemeral() {
		ws = "none"
	}
	return s.Spec.User + "-" + ws + "-" + s.Spec.AppDefinition
}
