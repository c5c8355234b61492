package launcher

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	appsessionv1 "github.com/codespace-operator/appsession-operator/api/v1"
	"github.com/codespace-operator/appsession-operator/internal/common"
	"github.com/codespace-operator/appsession-operator/internal/kube"
)

const ns = "apps"

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newResources(objs ...client.Object) *kube.Resources {
	scheme := runtime.NewScheme()
	Expect(appsessionv1.AddToScheme(scheme)).To(Succeed())
	c := fake.NewClientBuilder().
		WithScheme(scheme).
		WithObjects(objs...).
		WithStatusSubresource(&appsessionv1.Session{}, &appsessionv1.Workspace{}, &appsessionv1.AppDefinition{}).
		Build()
	return kube.New(c, ns)
}

func appDefinition(name string, maxInstances *int32) *appsessionv1.AppDefinition {
	return &appsessionv1.AppDefinition{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns},
		Spec:       appsessionv1.AppDefinitionSpec{Name: name, MaxInstances: maxInstances},
	}
}

func sessionOf(name, appDef, user string, state appsessionv1.OperatorStatus) *appsessionv1.Session {
	return &appsessionv1.Session{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns},
		Spec:       appsessionv1.SessionSpec{AppDefinition: appDef, User: user},
		Status:     appsessionv1.SessionStatus{OperatorState: appsessionv1.OperatorState{OperatorStatus: state}},
	}
}

// operator plays the part of the operator for one session: once it shows up, mutate its status.
func operator(ctx context.Context, res *kube.Resources, name string, mutate func(*appsessionv1.Session)) {
	go func() {
		defer GinkgoRecover()
		Eventually(func() error {
			var s appsessionv1.Session
			return res.UpdateStatus(ctx, name, &s, func() error {
				mutate(&s)
				return nil
			})
		}).Should(Succeed())
	}()
}

var _ = Describe("Launcher", func() {
	var (
		ctx context.Context
		res *kube.Resources
		l   *Launcher
	)

	newLauncher := func(objs ...client.Object) {
		res = newResources(objs...)
		l = New(res)
		l.PollInterval = 10 * time.Millisecond
		l.Now = func() time.Time { return epoch }
	}

	BeforeEach(func() {
		ctx = context.Background()
	})

	Describe("LaunchEphemeralSession", func() {
		It("rejects an unknown app definition", func() {
			newLauncher()
			_, err := l.LaunchEphemeralSession(ctx, "editor", "alice@example.com", 1, Env{})
			Expect(err).To(MatchError(ErrInvalidAppDefinitionName))
		})

		It("returns the URL once the operator published it", func() {
			newLauncher(appDefinition("editor", nil))
			name := common.EphemeralSessionName("alice@example.com", "editor", epoch)
			operator(ctx, res, name, func(s *appsessionv1.Session) { s.Status.URL = "apps.example/uid/" })

			url, err := l.LaunchEphemeralSession(ctx, "editor", "alice@example.com", 1, Env{Vars: map[string]string{"A": "1"}})
			Expect(err).NotTo(HaveOccurred())
			Expect(url).To(Equal("apps.example/uid/"))

			var s appsessionv1.Session
			Expect(res.Get(ctx, name, &s)).To(Succeed())
			Expect(s.Spec.Workspace).To(BeEmpty())
			Expect(s.Spec.SessionSecret).NotTo(BeEmpty())
			Expect(s.Spec.EnvVars).To(HaveKeyWithValue("A", "1"))
		})

		It("deletes a session the operator failed and returns its error", func() {
			newLauncher(appDefinition("editor", nil))
			name := common.EphemeralSessionName("alice@example.com", "editor", epoch)
			operator(ctx, res, name, func(s *appsessionv1.Session) { s.Status.Error = ErrServerLimitReached.String() })

			_, err := l.LaunchEphemeralSession(ctx, "editor", "alice@example.com", 1, Env{})
			Expect(errors.Is(err, ErrServerLimitReached)).To(BeTrue())

			ok, err := res.Has(ctx, name, &appsessionv1.Session{})
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
		})
	})

	Describe("awaitURL", func() {
		It("records the timeout on the session", func() {
			newLauncher(sessionOf("s1", "editor", "alice", appsessionv1.StatusHandling))

			_, err := l.awaitURL(ctx, "s1", 50*time.Millisecond)
			Expect(err).To(MatchError(ErrSessionLaunchTimeout))

			var s appsessionv1.Session
			Expect(res.Get(ctx, "s1", &s)).To(Succeed())
			Expect(s.Status.Error).To(Equal(ErrSessionLaunchTimeout.String()))
		})

		It("returns a URL that is already set", func() {
			s := sessionOf("s1", "editor", "alice", appsessionv1.StatusHandled)
			s.Status.URL = "apps.example/s1/"
			newLauncher(s)

			url, err := l.awaitURL(ctx, "s1", time.Second)
			Expect(err).NotTo(HaveOccurred())
			Expect(url).To(Equal("apps.example/s1/"))
		})
	})

	Describe("LaunchWorkspaceSession", func() {
		It("rejects a missing workspace", func() {
			newLauncher()
			_, err := l.LaunchWorkspaceSession(ctx, "ws-a", 1, Env{})
			Expect(err).To(MatchError(ErrInvalidWorkspaceName))
		})

		It("requires a workspace name", func() {
			newLauncher()
			_, err := l.LaunchWorkspaceSession(ctx, "", 1, Env{})
			Expect(err).To(MatchError(ErrMissingWorkspaceName))
		})

		It("starts the workspace session with the workspace's user and app definition", func() {
			ws := &appsessionv1.Workspace{
				ObjectMeta: metav1.ObjectMeta{Name: "ws-a", Namespace: ns},
				Spec:       appsessionv1.WorkspaceSpec{User: "alice@example.com", AppDefinition: "editor", Storage: "ws-a-pvc"},
			}
			newLauncher(appDefinition("editor", nil), ws)
			operator(ctx, res, "ws-a-session", func(s *appsessionv1.Session) { s.Status.URL = "apps.example/x/" })

			url, err := l.LaunchWorkspaceSession(ctx, "ws-a", 1, Env{})
			Expect(err).NotTo(HaveOccurred())
			Expect(url).To(Equal("apps.example/x/"))

			var s appsessionv1.Session
			Expect(res.Get(ctx, "ws-a-session", &s)).To(Succeed())
			Expect(s.Spec.Workspace).To(Equal("ws-a"))
			Expect(s.Spec.User).To(Equal("alice@example.com"))
		})
	})

	Describe("CreateWorkspace", func() {
		It("waits for the storage to be provisioned", func() {
			newLauncher()
			go func() {
				defer GinkgoRecover()
				Eventually(func() error {
					var ws appsessionv1.Workspace
					return res.Edit(ctx, "ws-a", &ws, func() error {
						ws.Spec.Storage = "ws-a-pvc"
						return nil
					})
				}).Should(Succeed())
			}()

			ws, err := l.CreateWorkspace(ctx, WorkspaceRequest{Name: "ws-a", AppDefinition: "editor", User: "alice@example.com"}, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(ws.Spec.Storage).To(Equal("ws-a-pvc"))
			Expect(ws.Spec.Label).To(Equal("editor of alice@example.com"))
		})

		It("generates a name when none is given", func() {
			newLauncher()
			name := common.UniqueWorkspaceName("alice@example.com", "editor", epoch)
			go func() {
				defer GinkgoRecover()
				Eventually(func() error {
					var ws appsessionv1.Workspace
					return res.UpdateStatus(ctx, name, &ws, func() error {
						ws.Status.Error = "500:no storage"
						return nil
					})
				}).Should(Succeed())
			}()

			_, err := l.CreateWorkspace(ctx, WorkspaceRequest{AppDefinition: "editor", User: "alice@example.com"}, 1)
			e, ok := AsError(err)
			Expect(ok).To(BeTrue())
			Expect(e.Reason).To(Equal("no storage"))
		})
	})

	Describe("session housekeeping", func() {
		It("treats stopping a missing session as done", func() {
			newLauncher()
			Expect(l.StopSession(ctx, "nope")).To(BeTrue())
		})

		It("stamps activity on existing sessions only", func() {
			newLauncher(sessionOf("s1", "editor", "alice", appsessionv1.StatusHandled))
			Expect(l.ReportSessionActivity(ctx, "s1")).To(BeTrue())
			Expect(l.ReportSessionActivity(ctx, "nope")).To(BeFalse())

			var s appsessionv1.Session
			Expect(res.Get(ctx, "s1", &s)).To(Succeed())
			Expect(s.Status.LastActivity).To(Equal(epoch.UnixMilli()))
		})

		It("deletes workspaces", func() {
			newLauncher(&appsessionv1.Workspace{ObjectMeta: metav1.ObjectMeta{Name: "ws-a", Namespace: ns}})
			Expect(l.DeleteWorkspace(ctx, "ws-a")).To(BeTrue())
			ok, err := res.Has(ctx, "ws-a", &appsessionv1.Workspace{})
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
		})
	})

	DescribeTable("IsMaxInstancesReached",
		func(maxInstances *int32, sessions []client.Object, want bool) {
			newLauncher(append([]client.Object{appDefinition("editor", maxInstances)}, sessions...)...)
			Expect(l.IsMaxInstancesReached(ctx, "editor")).To(Equal(want))
		},
		Entry("unlimited without a maximum", nil, []client.Object{sessionOf("a", "editor", "u", "")}, false),
		Entry("unlimited with a negative maximum", ptr.To[int32](-1), []client.Object{sessionOf("a", "editor", "u", "")}, false),
		Entry("at the limit", ptr.To[int32](1), []client.Object{sessionOf("a", "editor", "u", "")}, false),
		Entry("over the limit", ptr.To[int32](1), []client.Object{
			sessionOf("a", "editor", "u", ""),
			sessionOf("b", "editor", "v", appsessionv1.StatusHandled),
		}, true),
		Entry("failed and foreign sessions do not count", ptr.To[int32](1), []client.Object{
			sessionOf("a", "editor", "u", ""),
			sessionOf("b", "editor", "v", appsessionv1.StatusError),
			sessionOf("c", "other", "w", ""),
		}, false),
	)

	It("counts sessions naming the app definition by its app name", func() {
		appDef := appDefinition("editor-v2", ptr.To[int32](1))
		appDef.Spec.Name = "editor"
		newLauncher(appDef,
			sessionOf("a", "editor-v2", "u", ""),
			sessionOf("b", "editor", "v", appsessionv1.StatusHandled),
		)
		Expect(l.IsMaxInstancesReached(ctx, "editor-v2")).To(BeTrue())
	})

	It("counts a missing app definition as reached", func() {
		newLauncher()
		Expect(l.IsMaxInstancesReached(ctx, "editor")).To(BeTrue())
	})
})
