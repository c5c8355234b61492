// Package enrich adjusts a Deployment manifest for one AppDefinition and session before it is
// created. Every function only touches the Deployment it is given.
package enrich

import (
	"slices"
	"strconv"
	"strings"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"

	appsessionv1 "github.com/codespace-operator/appsession-operator/api/v1"
)

// UserDataVolume is the volume backing a workspace's persisted files.
const UserDataVolume = "user-data"

// AppContainer picks the container running the application of appDef: the one named like the
// app, else the first whose image starts with the app image, else the only one, else the second.
// It returns nil for a pod without containers.
func AppContainer(spec *corev1.PodSpec, appDef *appsessionv1.AppDefinition) *corev1.Container {
	containers := spec.Containers
	if len(containers) == 0 {
		return nil
	}
	name := appDef.AppName()
	for i := range containers {
		if containers[i].Name == name {
			return &containers[i]
		}
	}
	if image := appDef.Spec.Image; image != "" {
		for i := range containers {
			if strings.HasPrefix(containers[i].Image, image) {
				return &containers[i]
			}
		}
	}
	if len(containers) == 1 {
		return &containers[0]
	}
	return &containers[1]
}

// AddPersistentVolume mounts the claim pvcName into the app container at appDef's mount path.
func AddPersistentVolume(d *appsv1.Deployment, pvcName string, appDef *appsessionv1.AppDefinition) {
	pod := &d.Spec.Template.Spec
	if !slices.ContainsFunc(pod.Volumes, func(v corev1.Volume) bool { return v.Name == UserDataVolume }) {
		pod.Volumes = append(pod.Volumes, corev1.Volume{
			Name: UserDataVolume,
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: pvcName},
			},
		})
	}
	c := AppContainer(pod, appDef)
	if c == nil {
		return
	}
	if slices.ContainsFunc(c.VolumeMounts, func(m corev1.VolumeMount) bool { return m.Name == UserDataVolume }) {
		return
	}
	c.VolumeMounts = append(c.VolumeMounts, corev1.VolumeMount{Name: UserDataVolume, MountPath: appDef.MountPathOrDefault()})
}

// BandwidthLimiter selects how traffic limits are enforced.
type BandwidthLimiter string

const (
	LimiterNone                         BandwidthLimiter = ""
	LimiterK8sAnnotation                BandwidthLimiter = "K8SANNOTATION"
	LimiterWondershaper                 BandwidthLimiter = "WONDERSHAPER"
	LimiterK8sAnnotationAndWondershaper BandwidthLimiter = "K8SANNOTATIONANDWONDERSHAPER"
)

const (
	IngressBandwidthAnnotation = "kubernetes.io/ingress-bandwidth"
	EgressBandwidthAnnotation  = "kubernetes.io/egress-bandwidth"

	wondershaperContainer = "wondershaper-init"
)

// LimitBandwidth applies downlink and uplink limits in kilobits per second. Non-positive limits
// are not applied. The wondershaper init container is only added when both limits are set.
func LimitBandwidth(d *appsv1.Deployment, mode BandwidthLimiter, wondershaperImage string, downlink, uplink int32) {
	switch mode {
	case LimiterK8sAnnotation:
		addBandwidthAnnotations(d, downlink, uplink)
	case LimiterWondershaper:
		addWondershaper(d, wondershaperImage, downlink, uplink)
	case LimiterK8sAnnotationAndWondershaper:
		addBandwidthAnnotations(d, downlink, uplink)
		addWondershaper(d, wondershaperImage, downlink, uplink)
	}
}

func addBandwidthAnnotations(d *appsv1.Deployment, downlink, uplink int32) {
	meta := &d.Spec.Template.ObjectMeta
	if meta.Annotations == nil {
		meta.Annotations = map[string]string{}
	}
	if downlink > 0 {
		meta.Annotations[IngressBandwidthAnnotation] = strconv.Itoa(int(downlink)) + "k"
	}
	if uplink > 0 {
		meta.Annotations[EgressBandwidthAnnotation] = strconv.Itoa(int(uplink)) + "k"
	}
}

func addWondershaper(d *appsv1.Deployment, image string, downlink, uplink int32) {
	if downlink <= 0 || uplink <= 0 {
		return
	}
	pod := &d.Spec.Template.Spec
	if slices.ContainsFunc(pod.InitContainers, func(c corev1.Container) bool { return c.Name == wondershaperContainer }) {
		return
	}
	pod.InitContainers = append(pod.InitContainers, corev1.Container{
		Name:  wondershaperContainer,
		Image: image,
		SecurityContext: &corev1.SecurityContext{
			Capabilities: &corev1.Capabilities{Add: []corev1.Capability{"NET_ADMIN"}},
		},
		Env: []corev1.EnvVar{
			{Name: "DOWNLINK", Value: strconv.Itoa(int(downlink))},
			{Name: "UPLINK", Value: strconv.Itoa(int(uplink))},
		},
	})
}

// AddEnv merges env vars into the container named containerName. Direct vars replace an existing
// var of the same name and are appended otherwise; ConfigMap and Secret references are appended to
// envFrom. Keys of vars are applied in sorted order. It reports whether the container was found.
func AddEnv(d *appsv1.Deployment, containerName string, vars map[string]string, configMaps, secrets []string) bool {
	containers := d.Spec.Template.Spec.Containers
	idx := slices.IndexFunc(containers, func(c corev1.Container) bool { return c.Name == containerName })
	if idx < 0 {
		return false
	}
	c := &containers[idx]

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if i := slices.IndexFunc(c.Env, func(e corev1.EnvVar) bool { return e.Name == k }); i >= 0 {
			c.Env[i] = corev1.EnvVar{Name: k, Value: vars[k]}
			continue
		}
		c.Env = append(c.Env, corev1.EnvVar{Name: k, Value: vars[k]})
	}

	for _, name := range configMaps {
		c.EnvFrom = append(c.EnvFrom, corev1.EnvFromSource{
			ConfigMapRef: &corev1.ConfigMapEnvSource{LocalObjectReference: corev1.LocalObjectReference{Name: name}},
		})
	}
	for _, name := range secrets {
		c.EnvFrom = append(c.EnvFrom, corev1.EnvFromSource{
			SecretRef: &corev1.SecretEnvSource{LocalObjectReference: corev1.LocalObjectReference{Name: name}},
		})
	}
	return true
}

// RemoveEmptyResources drops zero quantities from the requests and limits of every container.
func RemoveEmptyResources(d *appsv1.Deployment) {
	pod := &d.Spec.Template.Spec
	for i := range pod.Containers {
		prune(pod.Containers[i].Resources.Requests)
		prune(pod.Containers[i].Resources.Limits)
	}
}

func prune(list corev1.ResourceList) {
	for name, q := range list {
		if q.IsZero() {
			delete(list, name)
		}
	}
}

// AddImagePullSecret references the pull secret name. Blank and already present names are skipped.
func AddImagePullSecret(d *appsv1.Deployment, name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	pod := &d.Spec.Template.Spec
	if slices.ContainsFunc(pod.ImagePullSecrets, func(r corev1.LocalObjectReference) bool { return r.Name == name }) {
		return
	}
	pod.ImagePullSecrets = append(pod.ImagePullSecrets, corev1.LocalObjectReference{Name: name})
}
