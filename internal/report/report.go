// Package report routes pipeline failures to the log and, when admin
// addresses are configured, to email. Reporter errors never propagate.
package report

import (
	"context"
	"fmt"
	"log/slog"
)

// SendFunc dispatches one failure notification.
type SendFunc func(ctx context.Context, from, to, subject, body string) error

// Reporter records failures for one syncer.
type Reporter struct {
	syncer string
	from   string
	to     string
	send   SendFunc
}

func New(syncer, from, to string, send SendFunc) *Reporter {
	return &Reporter{
		syncer: syncer,
		from:   from,
		to:     to,
		send:   send,
	}
}

// Report logs the failure and dispatches the email notification when both
// addresses are configured. Mail failures are logged and discarded.
func (r *Reporter) Report(ctx context.Context, err error) {
	slog.Error("sync failed", "syncer", r.syncer, "error", err)

	if r.from == "" || r.to == "" || r.send == nil {
		return
	}

	subject := fmt.Sprintf("anysyncd failed to sync %s", r.syncer)
	if mailErr := r.send(ctx, r.from, r.to, subject, err.Error()); mailErr != nil {
		slog.Error("failed to send failure report", "syncer", r.syncer, "error", mailErr)
	}
}
