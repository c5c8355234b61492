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
	"strconv"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"
)

// Environment handed to every app container.
const (
	EnvAppID                 = "THEIACLOUD_APP_ID"
	EnvServiceURL            = "THEIACLOUD_SERVICE_URL"
	EnvSessionUID            = "THEIACLOUD_SESSION_UID"
	EnvSessionName           = "THEIACLOUD_SESSION_NAME"
	EnvSessionUser           = "THEIACLOUD_SESSION_USER"
	EnvSessionURL            = "THEIACLOUD_SESSION_URL"
	EnvSessionSecret         = "THEIACLOUD_SESSION_SECRET"
	EnvMonitorPort           = "THEIACLOUD_MONITOR_PORT"
	EnvEnableActivityTracker = "THEIACLOUD_ENABLE_ACTIVITY_TRACKER"
)

const (
	proxyContainer    = "oauth2-proxy"
	proxyConfigVolume = "oauth2-proxy-config"
	emailsVolume      = "oauth2-emails"
)

// Deployment runs one replica of the app image for inst. sessionURL is the address the instance
// is reachable at. The app container is named after the app definition.
func Deployment(inst Instance, sessionURL string, opts Options) (*appsv1.Deployment, error) {
	spec := inst.AppDef.Spec

	resources, err := resourceRequirements(spec.RequestsCPU, spec.RequestsMemory, spec.LimitsCPU, spec.LimitsMemory)
	if err != nil {
		return nil, fmt.Errorf("app definition %s: %w", inst.AppDef.Name, err)
	}

	pullPolicy := corev1.PullPolicy(spec.ImagePullPolicy)
	if pullPolicy == "" {
		pullPolicy = DefaultImagePullPolicy
	}
	uid := spec.UID
	if uid <= 0 {
		uid = DefaultUID
	}

	app := corev1.Container{
		Name:            inst.AppDef.AppName(),
		Image:           spec.Image,
		ImagePullPolicy: pullPolicy,
		Ports:           []corev1.ContainerPort{{ContainerPort: spec.Port, Protocol: corev1.ProtocolTCP}},
		Env:             appEnv(inst, sessionURL, opts),
		Resources:       resources,
	}
	containers := []corev1.Container{app}
	var volumes []corev1.Volume

	if opts.UseKeycloak {
		containers = append(containers, proxySidecar(spec.Port, opts))
		volumes = append(volumes,
			configMapVolume(proxyConfigVolume, inst.ProxyConfigName()),
			configMapVolume(emailsVolume, inst.EmailsConfigName()),
		)
	}

	podLabels := map[string]string{LabelApp: inst.AppSelector()}
	return &appsv1.Deployment{
		ObjectMeta: inst.meta(inst.DeploymentName(), inst.labels()),
		Spec: appsv1.DeploymentSpec{
			Replicas: ptr.To[int32](1),
			Selector: &metav1.LabelSelector{MatchLabels: podLabels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: podLabels},
				Spec: corev1.PodSpec{
					Containers: containers,
					Volumes:    volumes,
					SecurityContext: &corev1.PodSecurityContext{
						RunAsUser: ptr.To(uid),
						FSGroup:   ptr.To(uid),
					},
				},
			},
		},
	}, nil
}

func appEnv(inst Instance, sessionURL string, opts Options) []corev1.EnvVar {
	var uid, name, user, secret string
	if s := inst.Session; s != nil {
		uid, name, user, secret = string(s.UID), sessionName(s), s.Spec.User, s.Spec.SessionSecret
	}

	monitorPort := strconv.Itoa(DefaultMonitorPort)
	tracker := "false"
	if m := inst.AppDef.Spec.Monitor; m != nil {
		if m.Port > 0 {
			monitorPort = strconv.Itoa(int(m.Port))
		}
		if m.ActivityTracker != nil {
			tracker = "true"
		}
	}

	return []corev1.EnvVar{
		{Name: EnvAppID, Value: opts.AppID},
		{Name: EnvServiceURL, Value: opts.ServiceURL},
		{Name: EnvSessionUID, Value: uid},
		{Name: EnvSessionName, Value: name},
		{Name: EnvSessionUser, Value: user},
		{Name: EnvSessionURL, Value: sessionURL},
		{Name: EnvSessionSecret, Value: secret},
		{Name: EnvMonitorPort, Value: monitorPort},
		{Name: EnvEnableActivityTracker, Value: tracker},
	}
}

func proxySidecar(port int32, opts Options) corev1.Container {
	return corev1.Container{
		Name:  proxyContainer,
		Image: opts.proxyImage(),
		Args: []string{
			"--config=" + proxyConfigMount + "/" + ProxyConfigKey,
			"--upstream=http://127.0.0.1:" + strconv.Itoa(int(port)),
			"--http-address=0.0.0.0:" + strconv.Itoa(oauth2ProxyPort),
			"--reverse-proxy=true",
		},
		Ports: []corev1.ContainerPort{{ContainerPort: oauth2ProxyPort, Protocol: corev1.ProtocolTCP}},
		VolumeMounts: []corev1.VolumeMount{
			{Name: proxyConfigVolume, MountPath: proxyConfigMount, ReadOnly: true},
			{Name: emailsVolume, MountPath: emailsMount, ReadOnly: true},
		},
	}
}

func configMapVolume(volume, configMap string) corev1.Volume {
	return corev1.Volume{
		Name: volume,
		VolumeSource: corev1.VolumeSource{
			ConfigMap: &corev1.ConfigMapVolumeSource{
				LocalObjectReference: corev1.LocalObjectReference{Name: configMap},
			},
		},
	}
}

// resourceRequirements parses the quantities of an app definition. Empty strings are left out.
func resourceRequirements(requestsCPU, requestsMemory, limitsCPU, limitsMemory string) (corev1.ResourceRequirements, error) {
	var req corev1.ResourceRequirements
	var err error
	if req.Requests, err = resourceList(requestsCPU, requestsMemory); err != nil {
		return req, fmt.Errorf("requests: %w", err)
	}
	if req.Limits, err = resourceList(limitsCPU, limitsMemory); err != nil {
		return req, fmt.Errorf("limits: %w", err)
	}
	return req, nil
}

func resourceList(cpu, memory string) (corev1.ResourceList, error) {
	list := corev1.ResourceList{}
	for name, value := range map[corev1.ResourceName]string{corev1.ResourceCPU: cpu, corev1.ResourceMemory: memory} {
		if value == "" {
			continue
		}
		q, err := resource.ParseQuantity(value)
		if err != nil {
			return nil, fmt.Errorf("%s %q: %w", name, value, err)
		}
		list[name] = q
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list, nil
}
