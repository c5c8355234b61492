package ingress

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	appsessionv1 "github.com/codespace-operator/appsession-operator/api/v1"
	"github.com/codespace-operator/appsession-operator/internal/kube"
)

type hostPath struct{ host, path string }

func routes(ing *networkingv1.Ingress) []hostPath {
	var out []hostPath
	for _, r := range ing.Spec.Rules {
		if r.HTTP == nil {
			out = append(out, hostPath{host: r.Host})
			continue
		}
		for _, p := range r.HTTP.Paths {
			out = append(out, hostPath{host: r.Host, path: p.Path})
		}
	}
	return out
}

var _ = Describe("Paths", func() {
	appDef := &appsessionv1.AppDefinition{Spec: appsessionv1.AppDefinitionSpec{Name: "editor"}}
	session := &appsessionv1.Session{ObjectMeta: metav1.ObjectMeta{UID: "1234-abcd"}}

	It("routes at the root without path routing", func() {
		p := Paths{InstancesPath: "instances"}
		Expect(p.Instance(appDef, 2)).To(Equal("/editor-2"))
		Expect(p.Session(session)).To(Equal("/1234-abcd"))
	})

	It("routes below the instances path with path routing", func() {
		p := Paths{UsePaths: true, InstancesPath: " instances "}
		Expect(p.Base()).To(Equal("/instances/"))
		Expect(p.Instance(appDef, 2)).To(Equal("/instances/editor-2"))
	})

	It("falls back to the root when path routing has no instances path", func() {
		Expect(Paths{UsePaths: true}.Base()).To(Equal("/"))
	})

	It("derives one host per prefix", func() {
		Expect(Hosts("ws.example.com", []string{"a.", "", "b."})).To(Equal([]string{"ws.example.com", "a.ws.example.com", "b.ws.example.com"}))
	})

	It("builds the session url", func() {
		Expect(SessionURL("ws.example.com", "/instances/editor-1")).To(Equal("ws.example.com/instances/editor-1/"))
	})
})

var _ = Describe("Rules", func() {
	var (
		ctx context.Context
		res *kube.Resources
	)

	existing := func() *networkingv1.Ingress {
		return &networkingv1.Ingress{
			ObjectMeta: metav1.ObjectMeta{Name: "editor-ingress", Namespace: "apps"},
			Spec: networkingv1.IngressSpec{
				Rules: []networkingv1.IngressRule{
					{Host: "ws.example.com"},
					Rule("ws.example.com", "/other", "other-service", 80),
				},
			},
		}
	}

	current := func() *networkingv1.Ingress {
		ing := &networkingv1.Ingress{}
		Expect(res.Get(ctx, "editor-ingress", ing)).To(Succeed())
		return ing
	}

	BeforeEach(func() {
		ctx = context.Background()
		scheme := runtime.NewScheme()
		Expect(clientgoscheme.AddToScheme(scheme)).To(Succeed())
		res = kube.New(fake.NewClientBuilder().WithScheme(scheme).WithObjects(existing()).Build(), "apps")
	})

	It("routes with the rewrite suffix", func() {
		r := Rule("ws.example.com", "/editor-1", "editor-service-1", 3000)
		Expect(r.HTTP.Paths).To(HaveLen(1))
		Expect(r.HTTP.Paths[0].Path).To(Equal("/editor-1(/|$)(.*)"))
		Expect(*r.HTTP.Paths[0].PathType).To(Equal(networkingv1.PathTypeImplementationSpecific))
		Expect(r.HTTP.Paths[0].Backend.Service.Name).To(Equal("editor-service-1"))
		Expect(r.HTTP.Paths[0].Backend.Service.Port.Number).To(Equal(int32(3000)))
	})

	DescribeTable("restores the rule set after add and remove",
		func(hosts []string, scoped bool) {
			before := routes(current())

			Expect(AddRules(ctx, res, "editor-ingress", hosts, "/1234", "session-svc", 3000)).To(Succeed())
			Expect(current().Spec.Rules).To(HaveLen(len(before) + len(hosts)))

			var scope []string
			if scoped {
				scope = hosts
			}
			Expect(RemoveRules(ctx, res, "editor-ingress", "/1234", scope)).To(Succeed())
			Expect(routes(current())).To(ConsistOf(before))
		},
		Entry("single host", []string{"ws.example.com"}, false),
		Entry("multiple hosts", Hosts("ws.example.com", []string{"a.", "b."}), false),
		Entry("multiple hosts scoped to the host set", Hosts("ws.example.com", []string{"a.", "b."}), true),
	)

	It("does not route a path twice", func() {
		Expect(AddRules(ctx, res, "editor-ingress", []string{"ws.example.com"}, "/1234", "svc", 80)).To(Succeed())
		Expect(AddRules(ctx, res, "editor-ingress", []string{"ws.example.com", "a.ws.example.com"}, "/1234", "svc", 80)).To(Succeed())
		Expect(current().Spec.Rules).To(HaveLen(4))
	})

	It("only removes rules of the given hosts", func() {
		Expect(AddRules(ctx, res, "editor-ingress", []string{"ws.example.com", "a.ws.example.com"}, "/1234", "svc", 80)).To(Succeed())
		Expect(RemoveRules(ctx, res, "editor-ingress", "/1234", []string{"a.ws.example.com"})).To(Succeed())
		Expect(routes(current())).To(ContainElement(hostPath{host: "ws.example.com", path: "/1234(/|$)(.*)"}))
		Expect(routes(current())).NotTo(ContainElement(hostPath{host: "a.ws.example.com", path: "/1234(/|$)(.*)"}))
	})

	It("keeps rules without an http block", func() {
		Expect(RemoveRules(ctx, res, "editor-ingress", "/other", nil)).To(Succeed())
		Expect(current().Spec.Rules).To(HaveLen(1))
		Expect(current().Spec.Rules[0].HTTP).To(BeNil())
	})

	It("does nothing when the ingress is gone", func() {
		Expect(RemoveRules(ctx, res, "missing-ingress", "/1234", nil)).To(Succeed())
	})
})
