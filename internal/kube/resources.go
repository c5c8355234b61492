// Package kube is the typed client layer the operator and the launcher use to talk to the API server.
package kube

import (
	"context"
	"reflect"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/codespace-operator/appsession-operator/internal/common"
)

// Resources scopes a client to one namespace.
type Resources struct {
	Client    client.WithWatch
	Namespace string
}

// New returns Resources for namespace.
func New(c client.WithWatch, namespace string) *Resources {
	return &Resources{Client: c, Namespace: namespace}
}

func (r *Resources) key(name string) types.NamespacedName {
	return types.NamespacedName{Namespace: r.Namespace, Name: name}
}

// Get fetches name into obj.
func (r *Resources) Get(ctx context.Context, name string, obj client.Object) error {
	return r.Client.Get(ctx, r.key(name), obj)
}

// Has reports whether an object of obj's kind named name exists.
func (r *Resources) Has(ctx context.Context, name string, obj client.Object) (bool, error) {
	if err := r.Get(ctx, name, obj); err != nil {
		if apierrors.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Create creates obj in the namespace. AlreadyExists is returned to the caller.
func (r *Resources) Create(ctx context.Context, obj client.Object) error {
	obj.SetNamespace(r.Namespace)
	return r.Client.Create(ctx, obj)
}

// Delete deletes obj. A missing object is not an error.
func (r *Resources) Delete(ctx context.Context, obj client.Object) error {
	obj.SetNamespace(r.Namespace)
	return client.IgnoreNotFound(r.Client.Delete(ctx, obj))
}

// List lists all objects of the list's kind in the namespace.
func (r *Resources) List(ctx context.Context, list client.ObjectList, opts ...client.ListOption) error {
	return r.Client.List(ctx, list, append([]client.ListOption{client.InNamespace(r.Namespace)}, opts...)...)
}

// Edit reads name into obj, applies mutate and writes it back. Conflicts restart from a fresh read
// with the client-go default backoff.
func (r *Resources) Edit(ctx context.Context, name string, obj client.Object, mutate func() error) error {
	return common.RetryOnConflict(func() error {
		return r.editOnce(ctx, name, obj, mutate, false)
	})
}

// EditN is Edit bounded to attempts tries.
func (r *Resources) EditN(ctx context.Context, attempts int, name string, obj client.Object, mutate func() error) error {
	return common.RetryN(attempts, func() error {
		return r.editOnce(ctx, name, obj, mutate, false)
	})
}

// UpdateStatus is Edit against the status subresource.
func (r *Resources) UpdateStatus(ctx context.Context, name string, obj client.Object, mutate func() error) error {
	return common.RetryOnConflict(func() error {
		return r.editOnce(ctx, name, obj, mutate, true)
	})
}

func (r *Resources) editOnce(ctx context.Context, name string, obj client.Object, mutate func() error, status bool) error {
	resetObject(obj)
	if err := r.Get(ctx, name, obj); err != nil {
		return err
	}
	if err := mutate(); err != nil {
		return err
	}
	if status {
		return r.Client.Status().Update(ctx, obj)
	}
	return r.Client.Update(ctx, obj)
}

// resetObject zeroes obj so a re-read after a conflict does not merge with the stale copy.
func resetObject(obj client.Object) {
	v := reflect.ValueOf(obj)
	if v.Kind() == reflect.Pointer && !v.IsNil() {
		v.Elem().Set(reflect.Zero(v.Elem().Type()))
	}
}
