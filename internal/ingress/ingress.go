// Package ingress adds and removes session routes on the shared Ingress of an AppDefinition.
// Rules are never tagged with a session; they are found again by the path derived from it.
package ingress

import (
	"context"
	"slices"
	"strconv"
	"strings"

	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/utils/ptr"

	appsessionv1 "github.com/codespace-operator/appsession-operator/api/v1"
	"github.com/codespace-operator/appsession-operator/internal/kube"
)

// RewriteSuffix is appended to every rule path so the backend sees the path below the prefix.
const RewriteSuffix = "(/|$)(.*)"

// Paths derives the routed path of an instance or a session.
type Paths struct {
	UsePaths      bool
	InstancesPath string
}

// Base is "/" without path routing, "/<instancesPath>/" with it.
func (p Paths) Base() string {
	if !p.UsePaths {
		return "/"
	}
	trimmed := strings.Trim(strings.TrimSpace(p.InstancesPath), "/")
	if trimmed == "" {
		return "/"
	}
	return "/" + trimmed + "/"
}

// Instance is the path of pooled instance n of appDef.
func (p Paths) Instance(appDef *appsessionv1.AppDefinition, n int) string {
	return p.Base() + appDef.AppName() + "-" + strconv.Itoa(n)
}

// Session is the path of a dedicated session.
func (p Paths) Session(session *appsessionv1.Session) string {
	return p.Base() + string(session.UID)
}

// Hosts returns instancesHost followed by one host per prefix.
func Hosts(instancesHost string, prefixes []string) []string {
	hosts := []string{instancesHost}
	for _, prefix := range prefixes {
		if prefix == "" {
			continue
		}
		hosts = append(hosts, prefix+instancesHost)
	}
	return hosts
}

// SessionURL is the address of a session routed on host under path, without a scheme.
// It is what status.url carries; clients open it over https.
func SessionURL(host, path string) string {
	return host + path + "/"
}

// Rule builds the rule routing host+path to service:port.
func Rule(host, path, service string, port int32) networkingv1.IngressRule {
	return networkingv1.IngressRule{
		Host: host,
		IngressRuleValue: networkingv1.IngressRuleValue{
			HTTP: &networkingv1.HTTPIngressRuleValue{
				Paths: []networkingv1.HTTPIngressPath{{
					Path:     path + RewriteSuffix,
					PathType: ptr.To(networkingv1.PathTypeImplementationSpecific),
					Backend: networkingv1.IngressBackend{
						Service: &networkingv1.IngressServiceBackend{
							Name: service,
							Port: networkingv1.ServiceBackendPort{Number: port},
						},
					},
				}},
			},
		},
	}
}

// AddRules appends one rule per host, all pointing at service:port, in a single edit.
// Hosts that already route path are left alone.
func AddRules(ctx context.Context, res *kube.Resources, ingressName string, hosts []string, path, service string, port int32) error {
	ing := &networkingv1.Ingress{}
	return res.Edit(ctx, ingressName, ing, func() error {
		for _, host := range hosts {
			routed := slices.ContainsFunc(ing.Spec.Rules, func(rule networkingv1.IngressRule) bool {
				return matches(rule, path, []string{host})
			})
			if !routed {
				ing.Spec.Rules = append(ing.Spec.Rules, Rule(host, path, service, port))
			}
		}
		return nil
	})
}

// RemoveRules drops every rule routing path. When hosts is not empty only rules for those hosts
// are dropped. A missing Ingress has nothing to remove.
func RemoveRules(ctx context.Context, res *kube.Resources, ingressName, path string, hosts []string) error {
	ing := &networkingv1.Ingress{}
	err := res.Edit(ctx, ingressName, ing, func() error {
		ing.Spec.Rules = slices.DeleteFunc(ing.Spec.Rules, func(rule networkingv1.IngressRule) bool {
			return matches(rule, path, hosts)
		})
		return nil
	})
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}

func matches(rule networkingv1.IngressRule, path string, hosts []string) bool {
	if rule.HTTP == nil {
		return false
	}
	if len(hosts) > 0 && !slices.Contains(hosts, rule.Host) {
		return false
	}
	want := path + RewriteSuffix
	return slices.ContainsFunc(rule.HTTP.Paths, func(p networkingv1.HTTPIngressPath) bool {
		return p.Path == want
	})
}
