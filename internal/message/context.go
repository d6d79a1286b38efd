// Package message contains the per-session message manager and its
// executors. Each executor owns one kind of post (streamed content, task
// list, questions, approvals, prompts, subagent trackers, system notices)
// and the policy for creating, updating and deleting posts of that kind.
package message

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/anneschuth/claude-threads-sub002/internal/common/logger"
	"github.com/anneschuth/claude-threads-sub002/internal/events"
	"github.com/anneschuth/claude-threads-sub002/internal/events/bus"
	"github.com/anneschuth/claude-threads-sub002/internal/platform"
)

// platformCallTimeout bounds every chat platform API call an executor makes.
const platformCallTimeout = 10 * time.Second

// ExecContext carries the per-session collaborators every executor needs.
// It is built once per session by the session manager and shared by all
// executors of that session's message manager.
type ExecContext struct {
	PlatformID string
	ThreadID   string

	Platform platform.Client
	Tracker  *PostTracker
	Breaker  *Breaker
	Bus      bus.EventBus

	Logger *logger.Logger
}

// CallCtx returns a context for one platform API call. Platform timeouts are
// treated as call failures by the executor recovery policies.
func (ec *ExecContext) CallCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), platformCallTimeout)
}

// PublishCompletion emits an executor completion event on the session bus.
// Failures are logged, not returned: a lost completion is recovered by the
// user re-reacting, while an executor error would wedge the reaction path.
func (ec *ExecContext) PublishCompletion(eventType string, data map[string]interface{}) {
	subject := events.BuildCompletionSubject(eventType, ec.PlatformID, ec.ThreadID)
	event := bus.NewEvent(eventType, "message-manager", data)

	ctx, cancel := context.WithTimeout(context.Background(), platformCallTimeout)
	defer cancel()
	if err := ec.Bus.Publish(ctx, subject, event); err != nil {
		ec.Logger.Warn("failed to publish completion event",
			zap.String("event_type", eventType),
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// Limits returns the platform's post size constraints.
func (ec *ExecContext) Limits() platform.MessageLimits {
	return ec.Platform.MessageLimits()
}
