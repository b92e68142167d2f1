package worker

import (
	"context"

	"github.com/spec-kit/escalation-service/internal/reconcile"
	"github.com/spec-kit/escalation-service/internal/service"
)

// StartNotificationWorker registers notification handlers.
func StartNotificationWorker(notificationService *service.NotificationService) {
	if notificationService == nil {
		return
	}
	notificationService.RegisterHandlers()
}

// StartReconcileWorker launches the background reconciliation loop.
func StartReconcileWorker(ctx context.Context, loop *reconcile.Loop) {
	if loop == nil {
		return
	}
	loop.Start(ctx)
}
