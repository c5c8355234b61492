package common

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
	"k8s.io/client-go/util/retry"
)

// RetryOnConflict runs fn with standard backoff if a 409 occurs.
func RetryOnConflict(fn func() error) error {
	return retry.RetryOnConflict(retry.DefaultRetry, fn)
}

// RetryN runs fn at most attempts times while it keeps failing with a conflict.
// The last conflict is returned once attempts are used up.
func RetryN(attempts int, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	backoff := wait.Backoff{
		Steps:    attempts,
		Duration: 10 * time.Millisecond,
		Factor:   2.0,
		Jitter:   0.1,
	}
	return retry.OnError(backoff, apierrors.IsConflict, fn)
}

// NewCorrelationID returns an opaque id threaded through the log lines of one event.
func NewCorrelationID() string {
	return uuid.NewString()
}

// BuildKubeConfig creates a Kubernetes client config that works both locally and in-cluster.
// The second return value names where the config came from.
func BuildKubeConfig() (*rest.Config, string, error) {
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, "in-cluster", nil
	}

	if kubeconfig := os.Getenv("KUBECONFIG"); kubeconfig != "" {
		cfg, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
		return cfg, kubeconfig, err
	}

	if home := homedir.HomeDir(); home != "" {
		kubeconfig := filepath.Join(home, ".kube", "config")
		if _, err := os.Stat(kubeconfig); err == nil {
			cfg, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
			return cfg, kubeconfig, err
		}
	}

	return nil, "", fmt.Errorf("unable to create Kubernetes client config: tried in-cluster, KUBECONFIG, and ~/.kube/config")
}

// GetInClusterNamespace returns the namespace the process runs in, or "" outside a cluster.
func GetInClusterNamespace() string {
	if ns := os.Getenv("POD_NAMESPACE"); ns != "" {
		return ns
	}
	if b, err := os.ReadFile("/var/run/secrets/kubernetes.io/serviceaccount/namespace"); err == nil {
		return strings.TrimSpace(string(b))
	}
	return ""
}

// SetupViper configures common Viper settings.
// envPrefix: e.g. "APPSESSION_OPERATOR"
// fileBase:  e.g. "operator-config" (-> operator-config.yaml)
func SetupViper(v *viper.Viper, envPrefix, fileBase string) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// logging is not configured yet at this point
	logf := func(f string, a ...any) {
		fmt.Fprintf(os.Stderr, time.Now().Format(time.RFC3339)+" "+f+"\n", a...)
	}

	// <PREFIX>_CONFIG_DEFAULT_PATH may name a file or a directory
	var dirOverride string
	if raw := strings.TrimSpace(os.Getenv(envPrefix + "_CONFIG_DEFAULT_PATH")); raw != "" {
		p := os.ExpandEnv(raw)

		if fi, err := os.Stat(p); err == nil && fi.IsDir() {
			dirOverride = p
		} else {
			if !filepath.IsAbs(p) {
				if abs, err := filepath.Abs(p); err == nil {
					p = abs
				}
			}
			if _, err := os.Stat(p); err != nil {
				panic(fmt.Errorf("%s_CONFIG_DEFAULT_PATH points to missing file: %s (err=%w)", envPrefix, p, err))
			}
			v.SetConfigFile(p)
			if err := v.ReadInConfig(); err != nil {
				panic(fmt.Errorf("failed to read %s_CONFIG_DEFAULT_PATH=%s: %w", envPrefix, p, err))
			}
			logf("loaded config override (file): %s", v.ConfigFileUsed())
			return
		}
	}

	v.SetConfigName(fileBase)
	v.SetConfigType("yaml")
	if dirOverride != "" {
		v.AddConfigPath(dirOverride)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/appsession-operator/")
	v.AddConfigPath("$HOME/.appsession-operator/")

	if err := v.ReadInConfig(); err == nil {
		logf("loaded config (search): %s", v.ConfigFileUsed())
	} else {
		logf("no config file found via search (env-only is fine)")
	}
}

func K8sHexHash(s string, bytes int) string {
	if bytes <= 0 || bytes > 32 {
		bytes = 10 // 10 bytes -> 20 hex chars
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:bytes])
}
