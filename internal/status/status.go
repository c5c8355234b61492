// Package status drives the operatorStatus state machine shared by every custom resource:
// NEW -> HANDLING -> HANDLED or ERROR. HANDLING is persisted before a handler touches anything
// else, so finding it on a later event means a previous attempt died halfway.
package status

import (
	"context"
	"fmt"

	"sigs.k8s.io/controller-runtime/pkg/log"

	appsessionv1 "github.com/codespace-operator/appsession-operator/api/v1"
	"github.com/codespace-operator/appsession-operator/internal/kube"
)

// Gate decides whether a handler may act on obj.
//
//   - HANDLED: proceed=false, ok=true. Nothing left to do.
//   - HANDLING: the resource is moved to ERROR; proceed=false, ok=false.
//   - ERROR: proceed=false, ok=false.
//   - NEW: HANDLING is persisted, then proceed=true, ok=true.
//
// obj is refreshed from the API server when a status write happens.
func Gate(ctx context.Context, res *kube.Resources, obj appsessionv1.Handled, correlationID string) (proceed, ok bool, err error) {
	logger := log.FromContext(ctx).WithValues("name", obj.GetName(), "correlationId", correlationID)

	switch obj.GetOperatorState().OperatorStatus.OrNew() {
	case appsessionv1.StatusHandled:
		logger.V(1).Info("Already handled")
		return false, true, nil
	case appsessionv1.StatusHandling:
		logger.Info("Resource was left in HANDLING, marking it as failed")
		msg := fmt.Sprintf("Handling was unexpectedly interrupted before. CorrelationId: %s", correlationID)
		return false, false, Set(ctx, res, obj, appsessionv1.StatusError, msg)
	case appsessionv1.StatusError:
		logger.Info("Resource is in ERROR, not handling it again")
		return false, false, nil
	}

	if err := Set(ctx, res, obj, appsessionv1.StatusHandling, ""); err != nil {
		return false, false, err
	}
	return true, true, nil
}

// Set persists status and message on obj's status subresource.
func Set(ctx context.Context, res *kube.Resources, obj appsessionv1.Handled, status appsessionv1.OperatorStatus, message string) error {
	return res.UpdateStatus(ctx, obj.GetName(), obj, func() error {
		state := obj.GetOperatorState()
		state.OperatorStatus = status
		state.OperatorMessage = message
		return nil
	})
}

// Complete marks obj HANDLED.
func Complete(ctx context.Context, res *kube.Resources, obj appsessionv1.Handled, message string) error {
	return Set(ctx, res, obj, appsessionv1.StatusHandled, message)
}

// Fail marks obj ERROR.
func Fail(ctx context.Context, res *kube.Resources, obj appsessionv1.Handled, message string) error {
	return Set(ctx, res, obj, appsessionv1.StatusError, message)
}

// UnexpectedMessage points the user at the logs of one handler run.
func UnexpectedMessage(correlationID string) string {
	return "Unexpected error. Please check the logs for correlationId: " + correlationID
}

// FailUnexpected marks obj ERROR after an error nobody handled.
func FailUnexpected(ctx context.Context, res *kube.Resources, obj appsessionv1.Handled, correlationID string) error {
	return Fail(ctx, res, obj, UnexpectedMessage(correlationID))
}
