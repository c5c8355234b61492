package pool

import (
	"context"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	appsessionv1 "github.com/codespace-operator/appsession-operator/api/v1"
	"github.com/codespace-operator/appsession-operator/internal/common"
	"github.com/codespace-operator/appsession-operator/internal/kube"
)

// ReleaseAttempts bounds the conflict retries of Release.
const ReleaseAttempts = 3

// Release removes session's owner reference and session labels from the pooled object name so the
// slot is free again. mutate, when set, runs in the same edit. A missing object is already released.
func Release(ctx context.Context, res *kube.Resources, name string, obj client.Object, session *appsessionv1.Session, mutate func() error) error {
	err := res.EditN(ctx, ReleaseAttempts, name, obj, func() error {
		kube.RemoveOwnerReference(obj, session.Name, session.UID)
		if labels := obj.GetLabels(); labels != nil {
			for _, k := range common.SessionSpecificLabelKeys() {
				delete(labels, k)
			}
			obj.SetLabels(labels)
		}
		if mutate != nil {
			return mutate()
		}
		return nil
	})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("releasing %s from session %s: %w", name, session.Name, err)
	}
	return nil
}

// BelongsTo reports whether the pooled object obj is claimed by session. The session labels are
// checked first: garbage collection may already have dropped the owner reference of a deleted session.
func BelongsTo(obj metav1.Object, session *appsessionv1.Session) bool {
	labels := obj.GetLabels()
	if labels[common.LabelSessionUUID] == common.SanitizeLabelValue(string(session.UID)) &&
		labels[common.LabelSession] == common.SanitizeLabelValue(session.Name) {
		return true
	}
	return kube.IsOwnedBy(obj, session.Name, session.UID)
}
