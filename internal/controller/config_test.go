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
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/codespace-operator/appsession-operator/internal/killafter"
)

func setenv(key, value string) {
	GinkgoHelper()
	Expect(os.Setenv(key, value)).To(Succeed())
	DeferCleanup(os.Unsetenv, key)
}

var _ = Describe("OperatorConfig", func() {
	It("has defaults for everything but the host", func() {
		cfg, _, err := LoadOperatorConfig()
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.ProbeAddr).To(Equal(":8081"))
		Expect(cfg.KillAfterMode).To(Equal(killafter.FixedTime))
		Expect(cfg.MonitorInterval).To(Equal(time.Minute))
		Expect(cfg.URLPollWorkers).To(Equal(4))
		Expect(cfg.SessionsPerUser).To(BeNil())
		Expect(cfg.Validate()).To(MatchError(ContainSubstring("instances_host is required")))
	})

	It("reads the environment", func() {
		setenv(EnvPrefix+"_INSTANCES_HOST", "apps.example.com")
		setenv(EnvPrefix+"_EAGER_START", "true")
		setenv(EnvPrefix+"_SESSIONS_PER_USER", "0")
		setenv(EnvPrefix+"_KILL_AFTER_MODE", "INACTIVITY")
		setenv(EnvPrefix+"_MAX_WATCH_IDLE_TIME", "30m")

		cfg, _, err := LoadOperatorConfig()
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Validate()).To(Succeed())
		Expect(cfg.InstancesHost).To(Equal("apps.example.com"))
		Expect(cfg.EagerStart).To(BeTrue())
		Expect(cfg.SessionsPerUser).To(HaveValue(Equal(0)))
		Expect(cfg.KillAfterMode).To(Equal(killafter.Inactivity))
		Expect(cfg.MaxWatchIdleTime).To(Equal(30 * time.Minute))
	})

	It("reads a file named by the override path", func() {
		path := filepath.Join(GinkgoT().TempDir(), "operator.yaml")
		Expect(os.WriteFile(path, []byte("instances_host: files.example.com\nuse_paths: true\ninstances_path: /instances/\n"), 0o600)).To(Succeed())
		setenv(EnvPrefix+"_CONFIG_DEFAULT_PATH", path)

		cfg, v, err := LoadOperatorConfig()
		Expect(err).NotTo(HaveOccurred())
		Expect(v.ConfigFileUsed()).To(Equal(path))
		Expect(cfg.InstancesHost).To(Equal("files.example.com"))
		Expect(cfg.Paths().Base()).To(Equal("/instances/"))
	})

	It("reports every invalid setting", func() {
		cfg := newConfig()
		cfg.UseKeycloak = true
		cfg.KillAfterMode = "SOMETIMES"
		cfg.BandwidthLimiter = "FAST"
		cfg.URLPollWorkers = 0

		err := cfg.Validate()
		Expect(err).To(MatchError(ContainSubstring("keycloak_url")))
		Expect(err).To(MatchError(ContainSubstring("SOMETIMES")))
		Expect(err).To(MatchError(ContainSubstring("FAST")))
		Expect(err).To(MatchError(ContainSubstring("url_poll_workers")))
	})

	It("hands the keycloak settings to the builders", func() {
		cfg := newConfig()
		cfg.UseKeycloak = true
		cfg.KeycloakURL = "https://kc.example.com/"
		opts := cfg.ManifestOptions()
		Expect(opts.UseKeycloak).To(BeTrue())
		Expect(opts.KeycloakURL).To(Equal("https://kc.example.com/"))
		Expect(opts.InstancesHost).To(Equal(host))
	})
})
