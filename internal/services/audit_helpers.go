package services

import (
	"context"

	"github.com/charlesng35/weddingdesk/internal/auditctx"
)

// recordAudit logs the supplied entry while tolerating audit failures.
func recordAudit(audit *AuditService, ctx context.Context, entry AuditEntry) {
	if audit == nil {
		return
	}
	if actor, ok := auditctx.FromContext(ctx); ok {
		if entry.ActorID == "" {
			entry.ActorID = actor.ID
		}
		if entry.IPAddress == "" {
			entry.IPAddress = actor.IPAddress
		}
		if entry.UserAgent == "" {
			entry.UserAgent = actor.UserAgent
		}
	}
	_ = audit.Log(ctx, entry)
}
