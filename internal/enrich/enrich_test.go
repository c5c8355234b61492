package enrich

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	appsessionv1 "github.com/codespace-operator/appsession-operator/api/v1"
)

func deployment(containers ...corev1.Container) *appsv1.Deployment {
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "editor-deployment-1"},
		Spec: appsv1.DeploymentSpec{
			Template: corev1.PodTemplateSpec{Spec: corev1.PodSpec{Containers: containers}},
		},
	}
}

var _ = Describe("Deployment enrichment", func() {
	appDef := &appsessionv1.AppDefinition{
		ObjectMeta: metav1.ObjectMeta{Name: "editor"},
		Spec:       appsessionv1.AppDefinitionSpec{Name: "editor", Image: "registry.example/editor"},
	}

	Describe("AppContainer", func() {
		It("prefers the container named like the app", func() {
			d := deployment(corev1.Container{Name: "proxy"}, corev1.Container{Name: "x", Image: "registry.example/editor:1"}, corev1.Container{Name: "editor"})
			Expect(AppContainer(&d.Spec.Template.Spec, appDef).Name).To(Equal("editor"))
		})

		It("falls back to the image prefix", func() {
			d := deployment(corev1.Container{Name: "proxy", Image: "oauth2-proxy"}, corev1.Container{Name: "x", Image: "registry.example/editor:1"})
			Expect(AppContainer(&d.Spec.Template.Spec, appDef).Name).To(Equal("x"))
		})

		It("takes the only container", func() {
			d := deployment(corev1.Container{Name: "only", Image: "other"})
			Expect(AppContainer(&d.Spec.Template.Spec, appDef).Name).To(Equal("only"))
		})

		It("takes the second of several unmatched containers", func() {
			d := deployment(corev1.Container{Name: "a", Image: "a"}, corev1.Container{Name: "b", Image: "b"})
			Expect(AppContainer(&d.Spec.Template.Spec, appDef).Name).To(Equal("b"))
		})

		It("returns nil without containers", func() {
			Expect(AppContainer(&corev1.PodSpec{}, appDef)).To(BeNil())
		})
	})

	It("mounts the workspace claim once", func() {
		d := deployment(corev1.Container{Name: "editor"})
		AddPersistentVolume(d, "ws-1-pvc", appDef)
		AddPersistentVolume(d, "ws-1-pvc", appDef)

		pod := d.Spec.Template.Spec
		Expect(pod.Volumes).To(HaveLen(1))
		Expect(pod.Volumes[0].PersistentVolumeClaim.ClaimName).To(Equal("ws-1-pvc"))
		Expect(pod.Containers[0].VolumeMounts).To(ConsistOf(corev1.VolumeMount{Name: UserDataVolume, MountPath: appsessionv1.DefaultMountPath}))
	})

	DescribeTable("LimitBandwidth",
		func(mode BandwidthLimiter, down, up int32, annotations map[string]string, initContainers int) {
			d := deployment(corev1.Container{Name: "editor"})
			LimitBandwidth(d, mode, "wondershaper:latest", down, up)
			if len(annotations) == 0 {
				Expect(d.Spec.Template.Annotations).To(BeEmpty())
			} else {
				Expect(d.Spec.Template.Annotations).To(Equal(annotations))
			}
			Expect(d.Spec.Template.Spec.InitContainers).To(HaveLen(initContainers))
		},
		Entry("disabled", LimiterNone, int32(100), int32(50), nil, 0),
		Entry("annotations", LimiterK8sAnnotation, int32(100), int32(50), map[string]string{
			IngressBandwidthAnnotation: "100k",
			EgressBandwidthAnnotation:  "50k",
		}, 0),
		Entry("annotations skip unset limits", LimiterK8sAnnotation, int32(100), int32(0), map[string]string{
			IngressBandwidthAnnotation: "100k",
		}, 0),
		Entry("wondershaper", LimiterWondershaper, int32(100), int32(50), nil, 1),
		Entry("wondershaper needs both limits", LimiterWondershaper, int32(100), int32(0), nil, 0),
		Entry("both", LimiterK8sAnnotationAndWondershaper, int32(100), int32(50), map[string]string{
			IngressBandwidthAnnotation: "100k",
			EgressBandwidthAnnotation:  "50k",
		}, 1),
	)

	It("runs wondershaper with NET_ADMIN and the limits", func() {
		d := deployment(corev1.Container{Name: "editor"})
		LimitBandwidth(d, LimiterWondershaper, "wondershaper:latest", 100, 50)
		c := d.Spec.Template.Spec.InitContainers[0]
		Expect(c.Image).To(Equal("wondershaper:latest"))
		Expect(c.SecurityContext.Capabilities.Add).To(ConsistOf(corev1.Capability("NET_ADMIN")))
		Expect(c.Env).To(ConsistOf(
			corev1.EnvVar{Name: "DOWNLINK", Value: "100"},
			corev1.EnvVar{Name: "UPLINK", Value: "50"},
		))
	})

	It("merges env vars into the named container", func() {
		d := deployment(
			corev1.Container{Name: "proxy"},
			corev1.Container{Name: "editor", Env: []corev1.EnvVar{{Name: "KEEP", Value: "1"}, {Name: "OVERRIDE", Value: "old"}}},
		)
		Expect(AddEnv(d, "editor", map[string]string{"OVERRIDE": "new", "ADDED": "2"}, []string{"cm"}, []string{"secret"})).To(BeTrue())

		c := d.Spec.Template.Spec.Containers[1]
		Expect(c.Env).To(Equal([]corev1.EnvVar{
			{Name: "KEEP", Value: "1"},
			{Name: "OVERRIDE", Value: "new"},
			{Name: "ADDED", Value: "2"},
		}))
		Expect(c.EnvFrom).To(HaveLen(2))
		Expect(c.EnvFrom[0].ConfigMapRef.Name).To(Equal("cm"))
		Expect(c.EnvFrom[1].SecretRef.Name).To(Equal("secret"))
		Expect(d.Spec.Template.Spec.Containers[0].Env).To(BeEmpty())
	})

	It("reports a missing env container", func() {
		Expect(AddEnv(deployment(corev1.Container{Name: "proxy"}), "editor", map[string]string{"A": "b"}, nil, nil)).To(BeFalse())
	})

	It("drops zero resource quantities", func() {
		d := deployment(corev1.Container{
			Name: "editor",
			Resources: corev1.ResourceRequirements{
				Requests: corev1.ResourceList{corev1.ResourceCPU: resource.Quantity{}, corev1.ResourceMemory: resource.MustParse("1Gi")},
				Limits:   corev1.ResourceList{corev1.ResourceCPU: resource.Quantity{}},
			},
		})
		RemoveEmptyResources(d)
		res := d.Spec.Template.Spec.Containers[0].Resources
		Expect(res.Requests).To(HaveLen(1))
		Expect(res.Requests).To(HaveKey(corev1.ResourceMemory))
		Expect(res.Limits).To(BeEmpty())
	})

	It("adds a pull secret once and ignores blanks", func() {
		d := deployment(corev1.Container{Name: "editor"})
		AddImagePullSecret(d, "regcred")
		AddImagePullSecret(d, "regcred")
		AddImagePullSecret(d, " ")
		Expect(d.Spec.Template.Spec.ImagePullSecrets).To(Equal([]corev1.LocalObjectReference{{Name: "regcred"}}))
	})
})
