package common

import (
	"errors"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

var _ = Describe("Labels", func() {
	It("turns an email into a label value", func() {
		Expect(SanitizeUserLabel("alice@example.com")).To(Equal("alice_at_example_com"))
	})

	DescribeTable("SanitizeLabelValue",
		func(in, want string) {
			Expect(SanitizeLabelValue(in)).To(Equal(want))
		},
		Entry("empty", "", "unknown"),
		Entry("only separators", "-_.", "unknown"),
		Entry("trimmed ends", "--editor--", "editor"),
		Entry("invalid runes", "my app/v1", "my-app-v1"),
	)

	It("caps long values at 63 characters", func() {
		long := strings.Repeat("a", 100)
		got := SanitizeLabelValue(long)
		Expect(len(got)).To(BeNumerically("<=", 63))
		Expect(got).NotTo(Equal(SanitizeLabelValue(strings.Repeat("a", 99)+"b")))
	})

	It("stamps the session labels", func() {
		labels := SessionLabels("bob@example.com", "editor", "s1", "uid-1")
		Expect(labels).To(HaveKeyWithValue(LabelUser, "bob_at_example_com"))
		Expect(labels).To(HaveKeyWithValue(LabelSession, "s1"))
		Expect(labels).To(HaveKeyWithValue(LabelPartOf, LabelPartOfValue))
		for _, key := range SessionSpecificLabelKeys() {
			Expect(labels).To(HaveKey(key))
		}
	})
})

var _ = Describe("Naming", func() {
	DescribeTable("AsValidName",
		func(in string, limit int, want string) {
			Expect(AsValidName(in, limit)).To(Equal(want))
		},
		Entry("empty", "", 10, ""),
		Entry("leading digit", "1abc_def", 62, "a1abc-def"),
		Entry("trailing dash", "abc-", 62, "abcz"),
		Entry("upper case", "Hello", 62, "hello"),
		Entry("cut to limit", "abcdefgh", 4, "abcd"),
	)

	It("derives dedicated object names from the owner uid", func() {
		Expect(CreateName("UID-1", "svc", "editor")).To(Equal("uid-1-svc-editor"))
	})

	It("names the objects of a workspace", func() {
		Expect(SessionNameForWorkspace("ws-1")).To(Equal("ws-1-session"))
		Expect(StorageName("ws-1")).To(Equal("ws-1-pvc"))
		Expect(WorkspaceLabel("alice", "")).To(Equal("Workspace of alice"))
		Expect(WorkspaceLabel("alice", "editor")).To(Equal("editor of alice"))
	})

	It("generates unique workspace and session names", func() {
		now := time.UnixMilli(1700000000000)
		Expect(UniqueWorkspaceName("alice@x.io", "editor", now)).To(Equal("ws-1700000000000editor-alice-x-io"))
		Expect(EphemeralSessionName("alice@x.io", "editor", now)).To(Equal("ws-1700000000000editor-alice-x-io-session"))
		Expect(UniqueWorkspaceName("alice", "editor", now.Add(time.Millisecond))).NotTo(Equal(UniqueWorkspaceName("alice", "editor", now)))
	})

	It("keeps generated session names within the name limit", func() {
		name := EphemeralSessionName(strings.Repeat("u", 80), "editor", time.UnixMilli(1))
		Expect(len(name)).To(BeNumerically("<=", ValidNameLimit))
	})
})

var _ = Describe("Helpers", func() {
	It("hashes to the requested width", func() {
		Expect(K8sHexHash("x", 1)).To(HaveLen(2))
		Expect(K8sHexHash("x", 0)).To(HaveLen(20))
	})

	It("retries conflicts a bounded number of times", func() {
		calls := 0
		conflict := apierrors.NewConflict(schema.GroupResource{Resource: "services"}, "svc", errors.New("stale"))
		err := RetryN(3, func() error {
			calls++
			return conflict
		})
		Expect(apierrors.IsConflict(err)).To(BeTrue())
		Expect(calls).To(Equal(3))
	})

	It("stops retrying on other errors", func() {
		calls := 0
		err := RetryN(3, func() error {
			calls++
			return errors.New("boom")
		})
		Expect(err).To(MatchError("boom"))
		Expect(calls).To(Equal(1))
	})

	It("returns distinct correlation ids", func() {
		Expect(NewCorrelationID()).NotTo(Equal(NewCorrelationID()))
	})
})
