package kube

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"

	appsessionv1 "github.com/codespace-operator/appsession-operator/api/v1"
)

// OwnerReference builds a non-controller owner reference to one of our custom resources.
// Pooled objects carry two owners at once, so neither may claim to be the controller.
func OwnerReference(owner client.Object, kind string) metav1.OwnerReference {
	return metav1.OwnerReference{
		APIVersion:         appsessionv1.GroupVersion.String(),
		Kind:               kind,
		Name:               owner.GetName(),
		UID:                owner.GetUID(),
		BlockOwnerDeletion: ptr.To(true),
	}
}

// IsOwnedBy reports whether obj has an owner reference with ownerName and ownerUID.
func IsOwnedBy(obj metav1.Object, ownerName string, ownerUID types.UID) bool {
	for _, ref := range obj.GetOwnerReferences() {
		if ref.UID == ownerUID && ref.Name == ownerName {
			return true
		}
	}
	return false
}

// IsOwnedByUID reports whether any owner reference of obj points at uid.
func IsOwnedByUID(obj metav1.Object, uid types.UID) bool {
	for _, ref := range obj.GetOwnerReferences() {
		if ref.UID == uid {
			return true
		}
	}
	return false
}

// IsUnused reports whether a pooled object is free: its only owner is the pool owner.
func IsUnused(obj metav1.Object, poolOwnerUID types.UID) bool {
	refs := obj.GetOwnerReferences()
	return len(refs) == 1 && refs[0].UID == poolOwnerUID
}

// AddOwnerReference appends ref unless an owner with the same UID is already present.
// It reports whether obj changed.
func AddOwnerReference(obj metav1.Object, ref metav1.OwnerReference) bool {
	if IsOwnedByUID(obj, ref.UID) {
		return false
	}
	obj.SetOwnerReferences(append(obj.GetOwnerReferences(), ref))
	return true
}

// RemoveOwnerReference drops every owner reference matching name and uid.
// It reports whether obj changed.
func RemoveOwnerReference(obj metav1.Object, name string, uid types.UID) bool {
	refs := obj.GetOwnerReferences()
	kept := make([]metav1.OwnerReference, 0, len(refs))
	for _, ref := range refs {
		if ref.UID == uid && ref.Name == name {
			continue
		}
		kept = append(kept, ref)
	}
	if len(kept) == len(refs) {
		return false
	}
	obj.SetOwnerReferences(kept)
	return true
}
