package kube

import (
	"context"
	"fmt"

	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// ListOwnedBy lists list's kind in the namespace and keeps the items owned by ownerUID.
// T is the item pointer type, e.g. *corev1.Service for a *corev1.ServiceList.
func ListOwnedBy[T client.Object](ctx context.Context, r *Resources, list client.ObjectList, ownerUID types.UID, opts ...client.ListOption) ([]T, error) {
	if err := r.List(ctx, list, opts...); err != nil {
		return nil, err
	}
	var owned []T
	err := meta.EachListItem(list, func(o runtime.Object) error {
		if obj, ok := o.(T); ok && IsOwnedByUID(obj, ownerUID) {
			owned = append(owned, obj)
		}
		return nil
	})
	return owned, err
}

// CRDNames are the custom resource definitions the operator depends on.
var CRDNames = []string{
	"appdefinitions.appsession.codespace.dev",
	"sessions.appsession.codespace.dev",
	"workspaces.appsession.codespace.dev",
}

// CRDsInstalled fails with the first CRD missing from the cluster.
func CRDsInstalled(ctx context.Context, c client.Reader, names ...string) error {
	for _, name := range names {
		var crd apiextensionsv1.CustomResourceDefinition
		if err := c.Get(ctx, types.NamespacedName{Name: name}, &crd); err != nil {
			return fmt.Errorf("custom resource definition %s: %w", name, err)
		}
	}
	return nil
}
