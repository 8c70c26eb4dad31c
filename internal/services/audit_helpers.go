package services

import (
	"context"

	"go.uber.org/zap"

	"github.com/charlesng35/sessionkeeper/internal/auth"
	"github.com/charlesng35/sessionkeeper/pkg/logger"
)

// recordAudit logs the supplied event while tolerating audit failures.
func recordAudit(audit *AuditService, ctx context.Context, event auth.Event) {
	if audit == nil {
		return
	}
	if err := audit.Record(ctx, event); err != nil {
		logger.WithModule("audit").Warn("audit record failed", zap.String("action", event.Action), zap.Error(err))
	}
}
