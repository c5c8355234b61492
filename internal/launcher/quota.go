package launcher

import (
	"context"

	appsessionv1 "github.com/codespace-operator/appsession-operator/api/v1"
	"github.com/codespace-operator/appsession-operator/internal/kube"
)

// MaxInstancesReached counts the sessions of appDef that are not in ERROR and reports whether
// there are more than appDef allows. Sessions may name appDef by object or by app name. A nil or
// negative maximum is unlimited.
func MaxInstancesReached(ctx context.Context, res *kube.Resources, appDef *appsessionv1.AppDefinition) (bool, error) {
	limit := appDef.Spec.MaxInstances
	if limit == nil || *limit < 0 {
		return false, nil
	}
	count, err := countSessions(ctx, res, func(s *appsessionv1.Session) bool {
		ref := s.Spec.AppDefinition
		return (ref == appDef.Name || ref == appDef.AppName()) && s.Status.OperatorStatus != appsessionv1.StatusError
	})
	if err != nil {
		return false, err
	}
	return count > int(*limit), nil
}

// UserSessions counts every session of user.
func UserSessions(ctx context.Context, res *kube.Resources, user string) (int, error) {
	return countSessions(ctx, res, func(s *appsessionv1.Session) bool { return s.Spec.User == user })
}

func countSessions(ctx context.Context, res *kube.Resources, match func(*appsessionv1.Session) bool) (int, error) {
	var list appsessionv1.SessionList
	if err := res.List(ctx, &list); err != nil {
		return 0, err
	}
	n := 0
	for i := range list.Items {
		if match(&list.Items[i]) {
			n++
		}
	}
	return n, nil
}
