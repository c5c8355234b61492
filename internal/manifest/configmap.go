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

package manifest

import (
	"maps"
	"strconv"
	"strings"

	corev1 "k8s.io/api/core/v1"

	"github.com/codespace-operator/appsession-operator/internal/common"
)

const (
	// ProxyConfigKey holds the oauth2-proxy configuration file.
	ProxyConfigKey = "oauth2-proxy.cfg"
	// EmailsKey holds the users allowed through the proxy, one per line.
	EmailsKey = "authenticated-emails-list"

	proxyConfigMount = "/etc/oauth2-proxy"
	emailsMount      = "/etc/oauth2-proxy-emails"

	placeholderRedirect = "https://placeholder"
	placeholderPort     = "placeholder-port"
)

// proxyConfigTemplate is rendered with the route of the instance and the app port.
const proxyConfigTemplate = `http_address = "0.0.0.0:4180"
reverse_proxy = true
upstreams = ["http://127.0.0.1:placeholder-port/"]
redirect_url = "https://placeholder/oauth2/callback"
provider = "oidc"
oidc_issuer_url = "placeholder-issuer"
client_id = "placeholder-client-id"
email_domains = []
authenticated_emails_file = "/etc/oauth2-proxy-emails/authenticated-emails-list"
skip_provider_button = true
cookie_secure = true
`

// RenderProxyConfig fills the template for a session reachable at https://<host><path>.
func RenderProxyConfig(tmpl, host, path string, port int32, opts Options) string {
	return strings.NewReplacer(
		placeholderRedirect, "https://"+host+path,
		placeholderPort, strconv.Itoa(int(port)),
		"placeholder-issuer", opts.issuerURL(),
		"placeholder-client-id", opts.KeycloakClientID,
	).Replace(tmpl)
}

// ProxyConfigMap holds the oauth2-proxy configuration for the instance routed on path.
func ProxyConfigMap(inst Instance, path string, opts Options) *corev1.ConfigMap {
	return &corev1.ConfigMap{
		ObjectMeta: inst.meta(inst.ProxyConfigName(), withConfigRole(inst.labels(), common.ConfigRoleProxy)),
		Data: map[string]string{
			ProxyConfigKey: RenderProxyConfig(proxyConfigTemplate, opts.InstancesHost, path, inst.AppDef.Spec.Port, opts),
		},
	}
}

// EmailsConfigMap lists the users allowed on the instance. Pooled instances start with nobody.
func EmailsConfigMap(inst Instance) *corev1.ConfigMap {
	users := ""
	if !inst.IsPooled() {
		users = inst.Session.Spec.User
	}
	return &corev1.ConfigMap{
		ObjectMeta: inst.meta(inst.EmailsConfigName(), withConfigRole(inst.labels(), common.ConfigRoleEmails)),
		Data:       map[string]string{EmailsKey: users},
	}
}

func withConfigRole(labels map[string]string, role string) map[string]string {
	out := maps.Clone(labels)
	out[common.LabelConfigRole] = role
	return out
}
