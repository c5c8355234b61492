// Package launcher starts sessions and workspaces on behalf of a user and waits until the
// operator has made them reachable.
package launcher

import (
	"context"
	"errors"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	appsessionv1 "github.com/codespace-operator/appsession-operator/api/v1"
	"github.com/codespace-operator/appsession-operator/internal/common"
	"github.com/codespace-operator/appsession-operator/internal/kube"
)

const (
	DefaultPollInterval = time.Second
	DefaultTimeout      = 3 * time.Minute
)

// Env is the extra environment of a launched session.
type Env struct {
	Vars           map[string]string `json:"vars,omitempty" yaml:"vars,omitempty"`
	FromConfigMaps []string          `json:"fromConfigMaps,omitempty" yaml:"fromConfigMaps,omitempty"`
	FromSecrets    []string          `json:"fromSecrets,omitempty" yaml:"fromSecrets,omitempty"`
}

// Launcher talks to the custom resources the operator watches.
type Launcher struct {
	Res          *kube.Resources
	PollInterval time.Duration
	Log          logr.Logger

	// Now is overridable in tests.
	Now func() time.Time
}

func New(res *kube.Resources) *Launcher {
	return &Launcher{
		Res:          res,
		PollInterval: DefaultPollInterval,
		Log:          ctrl.Log.WithName("launcher"),
		Now:          time.Now,
	}
}

func (l *Launcher) now() time.Time {
	if l.Now == nil {
		return time.Now()
	}
	return l.Now()
}

func (l *Launcher) interval() time.Duration {
	if l.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return l.PollInterval
}

func timeout(minutes int) time.Duration {
	if minutes <= 0 {
		return DefaultTimeout
	}
	return time.Duration(minutes) * time.Minute
}

// LaunchEphemeralSession starts a session of appDefinition without a workspace and returns its URL.
func (l *Launcher) LaunchEphemeralSession(ctx context.Context, appDefinition, user string, timeoutMinutes int, env Env) (string, error) {
	if !l.HasAppDefinition(ctx, appDefinition) {
		return "", ErrInvalidAppDefinitionName
	}
	session := l.newSession(common.EphemeralSessionName(user, appDefinition, l.now()), appDefinition, user, "", env)
	if err := l.getOrCreate(ctx, session); err != nil {
		return "", err
	}
	return l.awaitURL(ctx, session.Name, timeout(timeoutMinutes))
}

// LaunchWorkspaceSession starts the session of an existing workspace and returns its URL.
func (l *Launcher) LaunchWorkspaceSession(ctx context.Context, workspaceName string, timeoutMinutes int, env Env) (string, error) {
	if workspaceName == "" {
		return "", ErrMissingWorkspaceName
	}
	var ws appsessionv1.Workspace
	if err := l.Res.Get(ctx, workspaceName, &ws); err != nil {
		if apierrors.IsNotFound(err) {
			return "", ErrInvalidWorkspaceName
		}
		return "", err
	}
	if ws.Spec.AppDefinition == "" || !l.HasAppDefinition(ctx, ws.Spec.AppDefinition) {
		return "", ErrInvalidAppDefinitionName
	}

	session := l.newSession(common.SessionNameForWorkspace(ws.Name), ws.Spec.AppDefinition, ws.Spec.User, ws.Name, env)
	if err := l.getOrCreate(ctx, session); err != nil {
		return "", err
	}
	return l.awaitURL(ctx, session.Name, timeout(timeoutMinutes))
}

func (l *Launcher) newSession(name, appDefinition, user, workspace string, env Env) *appsessionv1.Session {
	return &appsessionv1.Session{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Spec: appsessionv1.SessionSpec{
			Name:                  name,
			AppDefinition:         appDefinition,
			User:                  user,
			Workspace:             workspace,
			SessionSecret:         uuid.NewString(),
			EnvVars:               env.Vars,
			EnvVarsFromConfigMaps: env.FromConfigMaps,
			EnvVarsFromSecrets:    env.FromSecrets,
		},
	}
}

// getOrCreate creates session unless one with its name exists, in which case session is
// replaced by the existing one.
func (l *Launcher) getOrCreate(ctx context.Context, session *appsessionv1.Session) error {
	err := l.Res.Create(ctx, session)
	if apierrors.IsAlreadyExists(err) {
		l.Log.Info("Session exists, reusing it", "session", session.Name)
		name := session.Name
		*session = appsessionv1.Session{}
		return l.Res.Get(ctx, name, session)
	}
	return err
}

// awaitURL waits until the operator published the URL of session name or recorded an error.
// A failed session is deleted. On timeout the timeout error is persisted on the session.
func (l *Launcher) awaitURL(ctx context.Context, name string, limit time.Duration) (string, error) {
	var url string
	var launchErr *Error

	err := wait.PollUntilContextTimeout(ctx, l.interval(), limit, true, func(ctx context.Context) (bool, error) {
		var s appsessionv1.Session
		if err := l.Res.Get(ctx, name, &s); err != nil {
			if apierrors.IsNotFound(err) {
				return false, nil
			}
			return false, err
		}
		if s.Status.URL != "" {
			url = s.Status.URL
			return true, nil
		}
		if launchErr = ParseError(s.Status.Error); launchErr != nil {
			return true, nil
		}
		return false, nil
	})

	switch {
	case err == nil && launchErr != nil:
		l.Log.Info("Session failed to launch, deleting it", "session", name, "error", launchErr.String())
		if derr := l.Res.Delete(ctx, &appsessionv1.Session{ObjectMeta: metav1.ObjectMeta{Name: name}}); derr != nil {
			l.Log.Error(derr, "Deleting failed session", "session", name)
		}
		return "", launchErr
	case err == nil:
		return url, nil
	case wait.Interrupted(err) && ctx.Err() == nil:
		l.recordError(context.WithoutCancel(ctx), name, ErrSessionLaunchTimeout)
		return "", ErrSessionLaunchTimeout
	}
	return "", err
}

func (l *Launcher) recordError(ctx context.Context, name string, launchErr *Error) {
	var s appsessionv1.Session
	err := l.Res.UpdateStatus(ctx, name, &s, func() error {
		s.Status.Error = launchErr.String()
		return nil
	})
	if err != nil {
		l.Log.Error(err, "Recording launch error", "session", name)
	}
}

// WorkspaceRequest describes a workspace to create. Name and Label are generated when empty.
type WorkspaceRequest struct {
	Name          string
	Label         string
	AppDefinition string
	User          string
}

// CreateWorkspace creates the workspace, or reuses an existing one of that name, and waits until
// its storage is provisioned.
func (l *Launcher) CreateWorkspace(ctx context.Context, req WorkspaceRequest, timeoutMinutes int) (*appsessionv1.Workspace, error) {
	if req.Name == "" {
		req.Name = common.UniqueWorkspaceName(req.User, req.AppDefinition, l.now())
	}
	if req.Label == "" {
		req.Label = common.WorkspaceLabel(req.User, req.AppDefinition)
	}
	ws := &appsessionv1.Workspace{
		ObjectMeta: metav1.ObjectMeta{Name: req.Name},
		Spec: appsessionv1.WorkspaceSpec{
			Name:          req.Name,
			Label:         req.Label,
			AppDefinition: req.AppDefinition,
			User:          req.User,
		},
	}
	if err := l.Res.Create(ctx, ws); err != nil {
		if !apierrors.IsAlreadyExists(err) {
			return nil, err
		}
		l.Log.Info("Workspace exists, reusing it", "workspace", req.Name)
	}

	var launchErr *Error
	err := wait.PollUntilContextTimeout(ctx, l.interval(), timeout(timeoutMinutes), true, func(ctx context.Context) (bool, error) {
		if err := l.Res.Get(ctx, req.Name, ws); err != nil {
			return false, client.IgnoreNotFound(err)
		}
		if ws.Spec.Storage != "" {
			return true, nil
		}
		launchErr = ParseError(ws.Status.Error)
		return launchErr != nil, nil
	})
	switch {
	case err == nil && launchErr != nil:
		return nil, launchErr
	case err == nil:
		return ws, nil
	case wait.Interrupted(err) && ctx.Err() == nil:
		return nil, ErrWorkspaceLaunchTimeout
	}
	return nil, err
}

// DeleteWorkspace deletes the workspace. The operator stops its session and removes its storage.
func (l *Launcher) DeleteWorkspace(ctx context.Context, name string) bool {
	err := l.Res.Delete(ctx, &appsessionv1.Workspace{ObjectMeta: metav1.ObjectMeta{Name: name}})
	if err != nil {
		l.Log.Error(err, "Deleting workspace", "workspace", name)
		return false
	}
	return true
}

// StopSession deletes the session. A session that does not exist counts as stopped.
func (l *Launcher) StopSession(ctx context.Context, name string) bool {
	err := l.Res.Delete(ctx, &appsessionv1.Session{ObjectMeta: metav1.ObjectMeta{Name: name}})
	if err != nil {
		l.Log.Error(err, "Stopping session", "session", name)
		return false
	}
	return true
}

// ReportSessionActivity stamps the session with the current time.
func (l *Launcher) ReportSessionActivity(ctx context.Context, name string) bool {
	var s appsessionv1.Session
	err := l.Res.UpdateStatus(ctx, name, &s, func() error {
		s.Status.LastActivity = l.now().UnixMilli()
		return nil
	})
	if err != nil {
		if !apierrors.IsNotFound(err) {
			l.Log.Error(err, "Reporting activity", "session", name)
		}
		return false
	}
	return true
}

func (l *Launcher) HasAppDefinition(ctx context.Context, name string) bool {
	if name == "" {
		return false
	}
	ok, err := l.Res.Has(ctx, name, &appsessionv1.AppDefinition{})
	if err != nil {
		l.Log.Error(err, "Looking up app definition", "appDefinition", name)
	}
	return ok
}

// IsMaxInstancesReached reports whether appDefinition runs more sessions than it allows.
// Lookup failures count as reached.
func (l *Launcher) IsMaxInstancesReached(ctx context.Context, appDefinition string) bool {
	var appDef appsessionv1.AppDefinition
	if err := l.Res.Get(ctx, appDefinition, &appDef); err != nil {
		l.Log.Error(err, "Looking up app definition", "appDefinition", appDefinition)
		return true
	}
	reached, err := MaxInstancesReached(ctx, l.Res, &appDef)
	if err != nil {
		l.Log.Error(err, "Counting sessions", "appDefinition", appDefinition)
		return true
	}
	return reached
}

// AsError extracts a launch error from err.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
