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

import "strings"

const (
	DefaultOAuth2ProxyVersion = "v7.6.0"
	DefaultImagePullPolicy    = "Always"
	DefaultUID                = 1000
	DefaultMonitorPort        = 8081

	oauth2ProxyImage = "quay.io/oauth2-proxy/oauth2-proxy"
	oauth2ProxyPort  = 4180
)

// Options carry the operator-wide settings every builder needs.
type Options struct {
	// InstancesHost is the public host sessions are routed on.
	InstancesHost string

	// AppID and ServiceURL are handed to every app container.
	AppID      string
	ServiceURL string

	UseKeycloak        bool
	KeycloakURL        string
	KeycloakRealm      string
	KeycloakClientID   string
	OAuth2ProxyVersion string
}

func (o Options) proxyImage() string {
	version := o.OAuth2ProxyVersion
	if version == "" {
		version = DefaultOAuth2ProxyVersion
	}
	return oauth2ProxyImage + ":" + version
}

func (o Options) issuerURL() string {
	return strings.TrimSuffix(o.KeycloakURL, "/") + "/realms/" + o.KeycloakRealm
}
