// Package logsink is a stand-in Adapter for runs without a Telegram token.
// Outgoing messages land in the log; no updates ever arrive, so commands
// are effectively disabled.
package logsink

import (
	"context"

	kit "rembot/internal/transport"
	logx "rembot/pkg/logx"
)

type Adapter struct {
	log logx.Logger
}

func New(log logx.Logger) *Adapter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{log: log.With(logx.String("comp", "logsink"))}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.log.Warn("no telegram token configured, deliveries go to the log only")
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error { return nil }

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	a.log.Info("outgoing message",
		logx.Int64("chat_id", to.ChatID),
		logx.Int("thread_id", to.ThreadID),
		logx.String("text", text))
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID}, nil
}
