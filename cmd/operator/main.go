package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	uberzap "go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	_ "k8s.io/client-go/plugin/pkg/client/auth"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	appsessionv1 "github.com/codespace-operator/appsession-operator/api/v1"
	"github.com/codespace-operator/appsession-operator/internal/common"
	controllers "github.com/codespace-operator/appsession-operator/internal/controller"
	"github.com/codespace-operator/appsession-operator/internal/kube"
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
	zapOpts  = zap.Options{Development: true}
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(apiextensionsv1.AddToScheme(scheme))
	utilruntime.Must(appsessionv1.AddToScheme(scheme))
}

func main() {
	var rootCmd = &cobra.Command{
		Use:   "appsession-operator",
		Short: "AppSession Operator",
		Long:  `Watches AppDefinitions, Sessions and Workspaces and starts the app instances they describe.`,
		Run:   runOperator,
	}

	rootCmd.Flags().String("config", "", "Path to config file or directory (highest precedence)")
	rootCmd.Flags().String("metrics-bind-address", "0",
		"The address the metrics endpoint binds to. Use :8080 for HTTP, or leave as 0 to disable.")
	rootCmd.Flags().String("health-probe-bind-address", ":8081",
		"The address the probe endpoint binds to.")
	rootCmd.Flags().Bool("leader-elect", false,
		"Enable leader election. Only the leader handles events.")
	rootCmd.Flags().String("namespace", "", "Namespace to watch (defaults to the operator's own)")
	rootCmd.Flags().Bool("eager-start", false, "Serve sessions from prewarmed pools")
	rootCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")

	fs := flag.NewFlagSet("", flag.ContinueOnError)
	zapOpts.BindFlags(fs)
	fs.VisitAll(func(f *flag.Flag) {
		rootCmd.Flags().AddGoFlag(f)
	})

	if err := rootCmd.Execute(); err != nil {
		setupLog.Error(err, "Command execution failed")
		os.Exit(1)
	}
}

func runOperator(cmd *cobra.Command, _ []string) {
	if cmd.Flags().Changed("config") {
		p, _ := cmd.Flags().GetString("config")
		if strings.TrimSpace(p) != "" {
			_ = os.Setenv(controllers.EnvPrefix+"_CONFIG_DEFAULT_PATH", p)
		}
	}

	cfg, v, err := controllers.LoadOperatorConfig()
	if err != nil {
		setupLog.Error(err, "Failed to load configuration")
		os.Exit(1)
	}
	applyFlags(cmd.Flags(), cfg)
	if cfg.Namespace == "" {
		cfg.Namespace = common.GetInClusterNamespace()
	}

	// --zap-log-level wins over log_level, but then the level cannot be reloaded.
	level := uberzap.NewAtomicLevelAt(parseLevel(cfg.LogLevel))
	if !cmd.Flags().Changed("zap-log-level") {
		zapOpts.Level = level
	}
	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&zapOpts)))

	if cfg.WatchConfig {
		watchLogLevel(v, level)
	}
	if err := cfg.Validate(); err != nil {
		setupLog.Error(err, "Invalid configuration")
		os.Exit(1)
	}
	if cfg.Namespace == "" {
		setupLog.Error(fmt.Errorf("no namespace"), "Set namespace or run the operator in a cluster")
		os.Exit(1)
	}
	setupLog.Info("Configuration loaded", "namespace", cfg.Namespace, "eagerStart", cfg.EagerStart,
		"usePaths", cfg.UsePaths, "keycloak", cfg.UseKeycloak, "killAfterMode", cfg.KillAfterMode)

	restConfig := ctrl.GetConfigOrDie()
	mgr, err := ctrl.NewManager(restConfig, ctrl.Options{
		Scheme:                  scheme,
		Metrics:                 metricsserver.Options{BindAddress: cfg.MetricsAddr},
		HealthProbeBindAddress:  cfg.ProbeAddr,
		LeaderElection:          cfg.EnableLeaderElection,
		LeaderElectionID:        cfg.LeaderElectionID,
		LeaderElectionNamespace: cfg.Namespace,
		LeaseDuration:           &cfg.LeaseDuration,
		RenewDeadline:           &cfg.RenewDeadline,
		RetryPeriod:             &cfg.RetryPeriod,
	})
	if err != nil {
		setupLog.Error(err, "Unable to create manager")
		os.Exit(1)
	}

	// Dispatchers list and watch themselves, outside the manager cache.
	watchClient, err := client.NewWithWatch(restConfig, client.Options{Scheme: scheme, Mapper: mgr.GetRESTMapper()})
	if err != nil {
		setupLog.Error(err, "Unable to create watch client")
		os.Exit(1)
	}

	ctx := ctrl.SetupSignalHandler()
	if err := kube.CRDsInstalled(ctx, watchClient, kube.CRDNames...); err != nil {
		setupLog.Error(err, "Custom resource definitions are missing")
		os.Exit(1)
	}

	if err := controllers.Setup(mgr, watchClient, cfg); err != nil {
		setupLog.Error(err, "Unable to set up operator")
		os.Exit(1)
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "Unable to set up health check")
		os.Exit(1)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		setupLog.Error(err, "Unable to set up ready check")
		os.Exit(1)
	}

	setupLog.Info("Starting appsession-operator")
	if err := mgr.Start(ctx); err != nil {
		setupLog.Error(err, "Problem running appsession-operator")
		os.Exit(1)
	}
}

// applyFlags overrides cfg with the flags set on the command line.
func applyFlags(flags *pflag.FlagSet, cfg *controllers.OperatorConfig) {
	if flags.Changed("metrics-bind-address") {
		cfg.MetricsAddr, _ = flags.GetString("metrics-bind-address")
	}
	if flags.Changed("health-probe-bind-address") {
		cfg.ProbeAddr, _ = flags.GetString("health-probe-bind-address")
	}
	if flags.Changed("leader-elect") {
		cfg.EnableLeaderElection, _ = flags.GetBool("leader-elect")
	}
	if flags.Changed("namespace") {
		cfg.Namespace, _ = flags.GetString("namespace")
	}
	if flags.Changed("eager-start") {
		cfg.EagerStart, _ = flags.GetBool("eager-start")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
}

func parseLevel(s string) zapcore.Level {
	l, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return zapcore.InfoLevel
	}
	return l
}

// watchLogLevel applies log_level changes of the config file without a restart.
func watchLogLevel(v *viper.Viper, level uberzap.AtomicLevel) {
	if v.ConfigFileUsed() == "" {
		setupLog.Info("watch_config is set but no config file was loaded")
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		next := parseLevel(v.GetString("log_level"))
		if next != level.Level() {
			level.SetLevel(next)
			setupLog.Info("Log level changed", "level", next.String(), "file", e.Name)
		}
	})
	v.WatchConfig()
}
