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

package controllers

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"sigs.k8s.io/controller-runtime/pkg/client"

	appsessionv1 "github.com/codespace-operator/appsession-operator/api/v1"
	"github.com/codespace-operator/appsession-operator/internal/common"
	"github.com/codespace-operator/appsession-operator/internal/enrich"
	"github.com/codespace-operator/appsession-operator/internal/kube"
	"github.com/codespace-operator/appsession-operator/internal/launcher"
	"github.com/codespace-operator/appsession-operator/internal/manifest"
)

var _ = Describe("Eager start", func() {
	var (
		ctx    context.Context
		cfg    *OperatorConfig
		h      *Handlers
		urls   *watched
		appDef *appsessionv1.AppDefinition
	)

	startPool := func() {
		GinkgoHelper()
		Expect(h.AppDefinitionHandler().Handle(ctx, watch.Added, appDef.DeepCopy(), "cid")).To(Succeed())
		got := get(h, "editor", &appsessionv1.AppDefinition{})
		Expect(got.Status.OperatorStatus).To(Equal(appsessionv1.StatusHandled))
	}

	startSession := func(name, user string) *appsessionv1.Session {
		GinkgoHelper()
		s := newSession(name, user)
		Expect(h.Res.Create(ctx, s)).To(Succeed())
		Expect(h.SessionHandler().Handle(ctx, watch.Added, s.DeepCopy(), "cid-"+name)).To(Succeed())
		return get(h, name, &appsessionv1.Session{})
	}

	pod := func(n int) *corev1.Pod {
		return &corev1.Pod{ObjectMeta: metav1.ObjectMeta{
			Name:      manifest.Pooled(appDef, n).DeploymentName() + "-7d9f8-abc12",
			Namespace: ns,
			Labels:    map[string]string{manifest.LabelApp: manifest.Pooled(appDef, n).AppSelector()},
		}}
	}

	BeforeEach(func() {
		ctx = context.Background()
		cfg = newConfig()
		cfg.EagerStart = true
		appDef = editor(2)
		h, urls = newHandlers(cfg, nil, appDef)
	})

	Describe("app definition added", func() {
		It("creates the ingress and every pooled instance", func() {
			startPool()

			ing := get(h, ingressName, &networkingv1.Ingress{})
			Expect(kube.IsOwnedByUID(ing, appDef.UID)).To(BeTrue())
			Expect(ing.Spec.Rules).To(BeEmpty())

			for _, n := range []int{1, 2} {
				inst := manifest.Pooled(appDef, n)
				svc := get(h, inst.ServiceName(), &corev1.Service{})
				Expect(kube.IsOwnedByUID(svc, appDef.UID)).To(BeTrue())

				d := get(h, inst.DeploymentName(), &appsv1.Deployment{})
				Expect(kube.IsOwnedByUID(d, appDef.UID)).To(BeTrue())
				Expect(d.Spec.Template.Annotations).To(HaveKeyWithValue(enrich.IngressBandwidthAnnotation, "10000k"))
				Expect(exists(h, inst.ProxyConfigName(), &corev1.ConfigMap{})).To(BeFalse())
			}
			Expect(exists(h, manifest.Pooled(appDef, 3).ServiceName(), &corev1.Service{})).To(BeFalse())
		})

		It("creates the config maps when keycloak is used", func() {
			cfg.UseKeycloak = true
			cfg.KeycloakURL, cfg.KeycloakRealm, cfg.KeycloakClientID = "https://kc.example.com/", "apps", "apps"
			startPool()

			for _, n := range []int{1, 2} {
				inst := manifest.Pooled(appDef, n)
				proxy := get(h, inst.ProxyConfigName(), &corev1.ConfigMap{})
				Expect(proxy.Labels).To(HaveKeyWithValue(common.LabelConfigRole, common.ConfigRoleProxy))
				emails := get(h, inst.EmailsConfigName(), &corev1.ConfigMap{})
				Expect(emails.Data).To(HaveKeyWithValue(manifest.EmailsKey, ""))
			}
		})

		It("only fills gaps in an existing pool", func() {
			startPool()
			Expect(h.Res.Delete(ctx, &corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: manifest.Pooled(appDef, 2).ServiceName()}})).To(Succeed())
			Expect(h.ensurePool(ctx, appDef)).To(Succeed())

			var services corev1.ServiceList
			Expect(h.Res.List(ctx, &services)).To(Succeed())
			Expect(services.Items).To(HaveLen(2))
		})

		It("adds itself as owner of an ingress that exists already", func() {
			other := kube.OwnerReference(&appsessionv1.AppDefinition{
				ObjectMeta: metav1.ObjectMeta{Name: "other", UID: "uid-other"},
			}, appsessionv1.AppDefinitionKind)
			ing := newIngress()
			ing.OwnerReferences = []metav1.OwnerReference{other}
			h, _ = newHandlers(cfg, nil, appDef, ing)

			startPool()
			got := get(h, ingressName, &networkingv1.Ingress{})
			Expect(got.OwnerReferences).To(HaveLen(2))
			Expect(kube.IsOwnedByUID(got, appDef.UID)).To(BeTrue())
		})

		It("fails without an ingress name", func() {
			appDef.Spec.IngressName = ""
			h, _ = newHandlers(cfg, nil, appDef)
			Expect(h.AppDefinitionHandler().Handle(ctx, watch.Added, appDef.DeepCopy(), "cid")).To(Succeed())
			Expect(get(h, "editor", &appsessionv1.AppDefinition{}).Status.OperatorStatus).To(Equal(appsessionv1.StatusError))
		})
	})

	Describe("session added", func() {
		BeforeEach(startPool)

		It("claims a free instance and routes it", func() {
			s := startSession("alice", "alice@example.com")
			Expect(s.Status.OperatorStatus).To(Equal(appsessionv1.StatusHandled))

			inst := manifest.Pooled(appDef, 1)
			svc := get(h, inst.ServiceName(), &corev1.Service{})
			Expect(kube.IsOwnedBy(svc, "alice", s.UID)).To(BeTrue())
			Expect(svc.Labels).To(HaveKeyWithValue(common.LabelSession, "alice"))
			d := get(h, inst.DeploymentName(), &appsv1.Deployment{})
			Expect(kube.IsOwnedBy(d, "alice", s.UID)).To(BeTrue())

			ing := get(h, ingressName, &networkingv1.Ingress{})
			Expect(ing.Spec.Rules).To(HaveLen(1))
			Expect(ing.Spec.Rules[0].Host).To(Equal(host))
			Expect(ing.Spec.Rules[0].HTTP.Paths[0].Backend.Service.Name).To(Equal(inst.ServiceName()))
			Expect(urls.URL("alice")).To(Equal(host + "/editor-1/"))
		})

		It("hands out distinct instances until the pool is exhausted", func() {
			startSession("alice", "alice@example.com")
			startSession("bob", "bob@example.com")
			carol := startSession("carol", "carol@example.com")

			svc := get(h, manifest.Pooled(appDef, 2).ServiceName(), &corev1.Service{})
			Expect(kube.IsOwnedBy(svc, "bob", "uid-bob")).To(BeTrue())

			Expect(carol.Status.OperatorStatus).To(Equal(appsessionv1.StatusError))
			Expect(carol.Status.OperatorMessage).To(Equal("No free instance available."))
			Expect(launcher.ParseError(carol.Status.Error)).To(MatchError(launcher.ErrServerLimitReached))
			Expect(urls.URL("carol")).To(BeEmpty())
		})

		It("lets only the session user through the proxy", func() {
			cfg.UseKeycloak = true
			cfg.KeycloakURL, cfg.KeycloakRealm, cfg.KeycloakClientID = "https://kc.example.com/", "apps", "apps"
			Expect(h.ensurePool(ctx, appDef)).To(Succeed())
			p := pod(1)
			Expect(h.Res.Create(ctx, p)).To(Succeed())

			startSession("alice", "alice@example.com")
			inst := manifest.Pooled(appDef, 1)
			emails := get(h, inst.EmailsConfigName(), &corev1.ConfigMap{})
			Expect(emails.Data).To(HaveKeyWithValue(manifest.EmailsKey, "alice@example.com"))
			Expect(kube.IsOwnedBy(emails, "alice", "uid-alice")).To(BeTrue())
			Expect(get(h, p.Name, &corev1.Pod{}).Annotations).To(HaveKey(RefreshAnnotation))
		})

		It("fails when the app definition is missing", func() {
			s := newSession("dave", "dave@example.com")
			s.Spec.AppDefinition = "gone"
			Expect(h.Res.Create(ctx, s)).To(Succeed())
			Expect(h.SessionHandler().Handle(ctx, watch.Added, s.DeepCopy(), "cid")).To(Succeed())

			got := get(h, "dave", &appsessionv1.Session{})
			Expect(got.Status.OperatorStatus).To(Equal(appsessionv1.StatusError))
			Expect(got.Status.OperatorMessage).To(Equal("App Definition not found."))
		})

		It("fails when the ingress is gone", func() {
			Expect(h.Res.Delete(ctx, newIngress())).To(Succeed())
			s := startSession("alice", "alice@example.com")
			Expect(s.Status.OperatorStatus).To(Equal(appsessionv1.StatusError))
			Expect(s.Status.OperatorMessage).To(Equal("Ingress not available."))
		})

		It("skips sessions handled before", func() {
			startSession("alice", "alice@example.com")
			s := get(h, "alice", &appsessionv1.Session{})
			Expect(h.SessionHandler().Handle(ctx, watch.Added, s.DeepCopy(), "again")).To(Succeed())
			Expect(get(h, ingressName, &networkingv1.Ingress{}).Spec.Rules).To(HaveLen(1))
		})
	})

	Describe("session deleted", func() {
		BeforeEach(startPool)

		It("returns the instance to the pool", func() {
			p := pod(1)
			Expect(h.Res.Create(ctx, p)).To(Succeed())
			alice := startSession("alice", "alice@example.com")
			startSession("bob", "bob@example.com")

			Expect(h.Res.Delete(ctx, alice.DeepCopy())).To(Succeed())
			Expect(h.SessionHandler().Handle(ctx, watch.Deleted, alice, "cid")).To(Succeed())

			inst := manifest.Pooled(appDef, 1)
			svc := get(h, inst.ServiceName(), &corev1.Service{})
			Expect(kube.IsUnused(svc, appDef.UID)).To(BeTrue())
			Expect(svc.Labels).NotTo(HaveKey(common.LabelSession))
			Expect(kube.IsUnused(get(h, inst.DeploymentName(), &appsv1.Deployment{}), appDef.UID)).To(BeTrue())
			Expect(exists(h, p.Name, &corev1.Pod{})).To(BeFalse())

			ing := get(h, ingressName, &networkingv1.Ingress{})
			Expect(ing.Spec.Rules).To(HaveLen(1))
			Expect(ing.Spec.Rules[0].HTTP.Paths[0].Backend.Service.Name).To(Equal(manifest.Pooled(appDef, 2).ServiceName()))

			carol := startSession("carol", "carol@example.com")
			Expect(carol.Status.OperatorStatus).To(Equal(appsessionv1.StatusHandled))
			Expect(kube.IsOwnedBy(get(h, inst.ServiceName(), &corev1.Service{}), "carol", carol.UID)).To(BeTrue())
		})

		It("finds the instance by its labels once the owner reference is collected", func() {
			p := pod(1)
			Expect(h.Res.Create(ctx, p)).To(Succeed())
			alice := startSession("alice", "alice@example.com")

			inst := manifest.Pooled(appDef, 1)
			for _, obj := range []client.Object{&corev1.Service{}, &appsv1.Deployment{}} {
				name := inst.ServiceName()
				if _, ok := obj.(*appsv1.Deployment); ok {
					name = inst.DeploymentName()
				}
				Expect(h.Res.Edit(ctx, name, obj, func() error {
					kube.RemoveOwnerReference(obj, alice.Name, alice.UID)
					return nil
				})).To(Succeed())
			}
			Expect(kube.IsOwnedBy(get(h, inst.ServiceName(), &corev1.Service{}), "alice", alice.UID)).To(BeFalse())

			Expect(h.Res.Delete(ctx, alice.DeepCopy())).To(Succeed())
			Expect(h.SessionHandler().Handle(ctx, watch.Deleted, alice, "cid")).To(Succeed())

			svc := get(h, inst.ServiceName(), &corev1.Service{})
			Expect(svc.Labels).NotTo(HaveKey(common.LabelSession))
			Expect(svc.Labels).NotTo(HaveKey(common.LabelSessionUUID))
			Expect(get(h, inst.DeploymentName(), &appsv1.Deployment{}).Labels).NotTo(HaveKey(common.LabelSessionUUID))
			Expect(exists(h, p.Name, &corev1.Pod{})).To(BeFalse())
			Expect(get(h, ingressName, &networkingv1.Ingress{}).Spec.Rules).To(BeEmpty())
		})

		It("leaves instances claimed by another session alone", func() {
			startSession("alice", "alice@example.com")
			bob := newSession("bob", "bob@example.com")

			Expect(h.eagerSessionDeleted(ctx, bob, "cid")).To(Succeed())
			svc := get(h, manifest.Pooled(appDef, 1).ServiceName(), &corev1.Service{})
			Expect(svc.Labels).To(HaveKeyWithValue(common.LabelSession, "alice"))
			Expect(get(h, ingressName, &networkingv1.Ingress{}).Spec.Rules).To(HaveLen(1))
		})

		It("does nothing once the app definition is gone", func() {
			alice := startSession("alice", "alice@example.com")
			Expect(h.Res.Delete(ctx, appDef.DeepCopy())).To(Succeed())
			Expect(h.eagerSessionDeleted(ctx, alice, "cid")).To(Succeed())
		})
	})
})
