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
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
)

// Service exposes the instance on the app port. With keycloak the traffic is sent through the
// oauth2-proxy sidecar.
func Service(inst Instance, opts Options) *corev1.Service {
	port := inst.AppDef.Spec.Port
	target := intstr.FromInt32(port)
	if opts.UseKeycloak {
		target = intstr.FromInt32(oauth2ProxyPort)
	}

	svc := &corev1.Service{
		ObjectMeta: inst.meta(inst.ServiceName(), inst.labels()),
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{LabelApp: inst.AppSelector()},
			Ports: []corev1.ServicePort{{
				Name:       "http",
				Port:       port,
				TargetPort: target,
				Protocol:   corev1.ProtocolTCP,
			}},
		},
	}

	if m := inst.AppDef.Spec.Monitor; m != nil && m.Port > 0 && m.Port != port {
		svc.Spec.Ports = append(svc.Spec.Ports, corev1.ServicePort{
			Name:       "monitor",
			Port:       m.Port,
			TargetPort: intstr.FromInt32(m.Port),
			Protocol:   corev1.ProtocolTCP,
		})
	}
	return svc
}
