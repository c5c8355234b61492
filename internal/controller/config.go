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
package controllers

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"

	"github.com/codespace-operator/appsession-operator/internal/common"
	"github.com/codespace-operator/appsession-operator/internal/enrich"
	"github.com/codespace-operator/appsession-operator/internal/ingress"
	"github.com/codespace-operator/appsession-operator/internal/killafter"
	"github.com/codespace-operator/appsession-operator/internal/manifest"
)

const (
	EnvPrefix      = "APPSESSION_OPERATOR"
	ConfigFileBase = "operator-config"
)

// -----------------------------
// Structs (snake_case tags)
// -----------------------------

// OperatorConfig holds configuration for the operator
type OperatorConfig struct {
	// Manager settings
	MetricsAddr          string        `mapstructure:"metrics_addr"`
	ProbeAddr            string        `mapstructure:"probe_addr"`
	EnableLeaderElection bool          `mapstructure:"enable_leader_election"`
	LeaderElectionID     string        `mapstructure:"leader_election_id"`
	LeaseDuration        time.Duration `mapstructure:"leader_lease_duration"`
	RenewDeadline        time.Duration `mapstructure:"leader_renew_deadline"`
	RetryPeriod          time.Duration `mapstructure:"leader_retry_period"`

	// Namespace watched and managed. Empty means the namespace the operator runs in.
	Namespace string `mapstructure:"namespace"`

	// Routing
	InstancesHost string `mapstructure:"instances_host"`
	UsePaths      bool   `mapstructure:"use_paths"`
	InstancesPath string `mapstructure:"instances_path"`

	// Session start
	EagerStart      bool   `mapstructure:"eager_start"`
	SessionsPerUser *int   `mapstructure:"sessions_per_user"`
	AppID           string `mapstructure:"app_id"`
	ServiceURL      string `mapstructure:"service_url"`

	// Keycloak and the oauth2-proxy sidecar
	UseKeycloak        bool   `mapstructure:"use_keycloak"`
	KeycloakURL        string `mapstructure:"keycloak_url"`
	KeycloakRealm      string `mapstructure:"keycloak_realm"`
	KeycloakClientID   string `mapstructure:"keycloak_client_id"`
	OAuth2ProxyVersion string `mapstructure:"oauth2_proxy_version"`

	// Storage
	StorageClassName string `mapstructure:"storage_class_name"`
	RequestedStorage string `mapstructure:"requested_storage"`

	// Bandwidth
	BandwidthLimiter  string `mapstructure:"bandwidth_limiter"`
	WondershaperImage string `mapstructure:"wondershaper_image"`

	// Kill-after scanner
	KillAfterMode   killafter.Mode `mapstructure:"kill_after_mode"`
	MonitorInterval time.Duration `mapstructure:"monitor_interval"`

	// Dispatch
	ContinueOnException bool          `mapstructure:"continue_on_exception"`
	MaxWatchIdleTime    time.Duration `mapstructure:"max_watch_idle_time"`
	URLPollWorkers      int           `mapstructure:"url_poll_workers"`

	// Logging
	LogLevel    string `mapstructure:"log_level"`
	WatchConfig bool   `mapstructure:"watch_config"`
}

// -----------------------------
// Loader entry points
// -----------------------------

// LoadOperatorConfig reads operator-config.yaml + env (APPSESSION_OPERATOR_*) into OperatorConfig.
// The viper instance is returned so callers can watch the file.
func LoadOperatorConfig() (*OperatorConfig, *viper.Viper, error) {
	v := viper.New()

	v.SetDefault("metrics_addr", "0")
	v.SetDefault("probe_addr", ":8081")
	v.SetDefault("enable_leader_election", false)
	v.SetDefault("leader_election_id", "appsession-operator-leaders")
	v.SetDefault("leader_lease_duration", 10*time.Second)
	v.SetDefault("leader_renew_deadline", 5*time.Second)
	v.SetDefault("leader_retry_period", 2*time.Second)

	v.SetDefault("namespace", "")
	v.SetDefault("instances_host", "")
	v.SetDefault("use_paths", false)
	v.SetDefault("instances_path", "")

	v.SetDefault("eager_start", false)
	v.SetDefault("app_id", "")
	v.SetDefault("service_url", "")

	v.SetDefault("use_keycloak", false)
	v.SetDefault("keycloak_url", "")
	v.SetDefault("keycloak_realm", "")
	v.SetDefault("keycloak_client_id", "")
	v.SetDefault("oauth2_proxy_version", manifest.DefaultOAuth2ProxyVersion)

	v.SetDefault("storage_class_name", "")
	v.SetDefault("requested_storage", manifest.DefaultRequestedStorage)

	v.SetDefault("bandwidth_limiter", string(enrich.LimiterK8sAnnotationAndWondershaper))
	v.SetDefault("wondershaper_image", "theiacloud/theia-cloud-wondershaper:latest")

	v.SetDefault("kill_after_mode", string(killafter.FixedTime))
	v.SetDefault("monitor_interval", time.Minute)

	v.SetDefault("continue_on_exception", false)
	v.SetDefault("max_watch_idle_time", time.Hour)
	v.SetDefault("url_poll_workers", 4)

	v.SetDefault("log_level", "info")
	v.SetDefault("watch_config", false)

	common.SetupViper(v, EnvPrefix, ConfigFileBase)

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

func decode(v *viper.Viper) (*OperatorConfig, error) {
	var cfg OperatorConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal operator config: %w", err)
	}
	// keys without a default are invisible to Unmarshal when they only come from the environment
	if v.IsSet("sessions_per_user") {
		n := v.GetInt("sessions_per_user")
		cfg.SessionsPerUser = &n
	}
	return &cfg, nil
}

// Validate reports every setting the operator cannot run with.
func (c *OperatorConfig) Validate() error {
	var errs *multierror.Error
	if strings.TrimSpace(c.InstancesHost) == "" {
		errs = multierror.Append(errs, errors.New("instances_host is required"))
	}
	if c.UseKeycloak && (c.KeycloakURL == "" || c.KeycloakRealm == "" || c.KeycloakClientID == "") {
		errs = multierror.Append(errs, errors.New("use_keycloak needs keycloak_url, keycloak_realm and keycloak_client_id"))
	}
	switch c.KillAfterMode {
	case killafter.FixedTime, killafter.Inactivity:
	default:
		errs = multierror.Append(errs, fmt.Errorf("kill_after_mode %q is neither %s nor %s", c.KillAfterMode, killafter.FixedTime, killafter.Inactivity))
	}
	switch enrich.BandwidthLimiter(c.BandwidthLimiter) {
	case enrich.LimiterNone, enrich.LimiterK8sAnnotation, enrich.LimiterWondershaper, enrich.LimiterK8sAnnotationAndWondershaper:
	default:
		errs = multierror.Append(errs, fmt.Errorf("unknown bandwidth_limiter %q", c.BandwidthLimiter))
	}
	if c.URLPollWorkers < 1 {
		errs = multierror.Append(errs, errors.New("url_poll_workers must be at least 1"))
	}
	return errs.ErrorOrNil()
}

// Paths is the ingress path provider for this configuration.
func (c *OperatorConfig) Paths() ingress.Paths {
	return ingress.Paths{UsePaths: c.UsePaths, InstancesPath: c.InstancesPath}
}

// ManifestOptions are the builder settings for this configuration.
func (c *OperatorConfig) ManifestOptions() manifest.Options {
	return manifest.Options{
		InstancesHost:      c.InstancesHost,
		AppID:              c.AppID,
		ServiceURL:         c.ServiceURL,
		UseKeycloak:        c.UseKeycloak,
		KeycloakURL:        c.KeycloakURL,
		KeycloakRealm:      c.KeycloakRealm,
		KeycloakClientID:   c.KeycloakClientID,
		OAuth2ProxyVersion: c.OAuth2ProxyVersion,
	}
}
