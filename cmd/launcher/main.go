package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	_ "k8s.io/client-go/plugin/pkg/client/auth"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	appsessionv1 "github.com/codespace-operator/appsession-operator/api/v1"
	"github.com/codespace-operator/appsession-operator/internal/common"
	"github.com/codespace-operator/appsession-operator/internal/kube"
	"github.com/codespace-operator/appsession-operator/internal/launcher"
)

var scheme = runtime.NewScheme()

func init() {
	utilruntime.Must(appsessionv1.AddToScheme(scheme))
}

type options struct {
	namespace string
	logLevel  string
	output    string
	timeout   int
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		logger.Error(err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "appsession-launcher",
		Short:         "Launch and manage app sessions",
		Long:          `Creates Sessions and Workspaces for the appsession-operator and waits until they are reachable.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			configureLogger(opts.logLevel)
		},
	}

	root.PersistentFlags().StringVarP(&opts.namespace, "namespace", "n", "", "Namespace of the operator (defaults to the current one)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "error", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "text", "Output format (text, json, yaml)")
	root.PersistentFlags().IntVar(&opts.timeout, "timeout", 3, "Minutes to wait for a session or workspace")

	root.AddCommand(newSessionCmd(opts), newWorkspaceCmd(opts), newStopCmd(opts), newActivityCmd(opts), newCheckCmd(opts))
	return root
}

func newSessionCmd(opts *options) *cobra.Command {
	var appDefinition, user, workspace, envFile string
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Start a session and print its URL",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := readEnv(envFile)
			if err != nil {
				return err
			}
			l, err := newLauncher(opts)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			var url string
			if workspace != "" {
				logger.Info("Launching workspace session", "workspace", workspace)
				url, err = l.LaunchWorkspaceSession(ctx, workspace, opts.timeout, env)
			} else {
				if user == "" {
					return fmt.Errorf("--user is required for an ephemeral session")
				}
				logger.Info("Launching ephemeral session", "appDefinition", appDefinition, "user", user)
				url, err = l.LaunchEphemeralSession(ctx, appDefinition, user, opts.timeout, env)
			}
			if err != nil {
				return report(cmd, opts, err)
			}
			return write(cmd.OutOrStdout(), opts.output, result{OK: true, URL: url})
		},
	}
	cmd.Flags().StringVarP(&appDefinition, "app-definition", "a", "", "App definition of an ephemeral session")
	cmd.Flags().StringVarP(&user, "user", "u", "", "User the session belongs to")
	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "Start the session of this workspace")
	cmd.Flags().StringVar(&envFile, "env-file", "", "YAML file with vars, fromConfigMaps and fromSecrets")
	return cmd
}

func newWorkspaceCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workspace",
		Short: "Create or delete workspaces",
	}

	var req launcher.WorkspaceRequest
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a workspace and wait for its storage",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if req.User == "" || req.AppDefinition == "" {
				return fmt.Errorf("--user and --app-definition are required")
			}
			l, err := newLauncher(opts)
			if err != nil {
				return err
			}
			ws, err := l.CreateWorkspace(cmd.Context(), req, opts.timeout)
			if err != nil {
				return report(cmd, opts, err)
			}
			return write(cmd.OutOrStdout(), opts.output, result{OK: true, Workspace: ws.Name, Storage: ws.Spec.Storage})
		},
	}
	create.Flags().StringVar(&req.Name, "name", "", "Workspace name (generated when empty)")
	create.Flags().StringVar(&req.Label, "label", "", "Display label (generated when empty)")
	create.Flags().StringVarP(&req.AppDefinition, "app-definition", "a", "", "App definition of the workspace")
	create.Flags().StringVarP(&req.User, "user", "u", "", "Owner of the workspace")

	del := &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a workspace, its session and its storage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := newLauncher(opts)
			if err != nil {
				return err
			}
			return done(cmd, opts, l.DeleteWorkspace(cmd.Context(), args[0]), result{Workspace: args[0]})
		},
	}

	cmd.AddCommand(create, del)
	return cmd
}

func newStopCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stop SESSION",
		Short: "Stop a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := newLauncher(opts)
			if err != nil {
				return err
			}
			return done(cmd, opts, l.StopSession(cmd.Context(), args[0]), result{Session: args[0]})
		},
	}
}

func newActivityCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "activity SESSION",
		Short: "Report activity for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := newLauncher(opts)
			if err != nil {
				return err
			}
			return done(cmd, opts, l.ReportSessionActivity(cmd.Context(), args[0]), result{Session: args[0]})
		},
	}
}

func newCheckCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "check APP_DEFINITION",
		Short: "Exit non-zero when the app definition runs its maximum of instances",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := newLauncher(opts)
			if err != nil {
				return err
			}
			if l.IsMaxInstancesReached(cmd.Context(), args[0]) {
				return report(cmd, opts, launcher.ErrServerLimitReached)
			}
			return write(cmd.OutOrStdout(), opts.output, result{OK: true})
		},
	}
}

// done prints r for a boolean launcher call.
func done(cmd *cobra.Command, opts *options, ok bool, r result) error {
	if !ok {
		return report(cmd, opts, fmt.Errorf("request failed, run with --log-level=debug for details"))
	}
	r.OK = true
	return write(cmd.OutOrStdout(), opts.output, r)
}

// report prints the failure in the selected format and returns it so the process exits 1.
func report(cmd *cobra.Command, opts *options, err error) error {
	if werr := write(cmd.OutOrStdout(), opts.output, failure(err)); werr != nil {
		logger.Error("Writing output", "err", werr)
	}
	logger.Debug("Command failed", "err", err)
	return err
}

func newLauncher(opts *options) (*launcher.Launcher, error) {
	ctrl.SetLogger(zap.New(zap.Level(zapLevel(opts.logLevel)), zap.WriteTo(os.Stderr)))

	restConfig, source, err := common.BuildKubeConfig()
	if err != nil {
		return nil, err
	}
	logger.Debug("Using kube config", "source", source)

	c, err := client.NewWithWatch(restConfig, client.Options{Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("creating client: %w", err)
	}

	ns := opts.namespace
	if ns == "" {
		ns = common.GetInClusterNamespace()
	}
	if ns == "" {
		ns = "default"
	}

	l := launcher.New(kube.New(c, ns))
	l.PollInterval = pollInterval(opts.timeout)
	return l, nil
}

func zapLevel(s string) zapcore.Level {
	l, err := zapcore.ParseLevel(strings.ToLower(s))
	if err != nil {
		return zapcore.ErrorLevel
	}
	return l
}

// pollInterval keeps long waits from hammering the API server.
func pollInterval(timeoutMinutes int) time.Duration {
	if timeoutMinutes > 10 {
		return 5 * time.Second
	}
	return launcher.DefaultPollInterval
}
