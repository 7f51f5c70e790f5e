package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "rembot/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain wraps h so that m[0] runs outermost.
func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

// reqLogger picks the request-scoped logger when one was attached.
func reqLogger(fallback logx.Logger, req *Request) logx.Logger {
	if req != nil && !req.Logger.IsZero() {
		return req.Logger
	}
	return fallback
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(tctx, req)
		}
	}
}

func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				reqLogger(log, req).Error("panic recovered",
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())),
				)
				err = fmt.Errorf("panic: %v", r)
			}()
			return next(ctx, req)
		}
	}
}

// slowRequest is where successful requests graduate from DEBUG to INFO.
const slowRequest = 750 * time.Millisecond

func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			took := time.Since(start)

			logger := reqLogger(log, req)
			fields := []logx.Field{
				logx.Int64("chat_id", req.Chat.ChatID),
				logx.Int("thread_id", req.Chat.ThreadID),
				logx.Int64("from_id", req.FromID),
				logx.String("cmd", req.Command),
				logx.Duration("dur", took),
			}
			switch {
			case err != nil:
				logger.Warn("request failed", append(fields, logx.Err(err))...)
			case took >= slowRequest:
				logger.Info("request ok", fields...)
			default:
				logger.Debug("request ok", fields...)
			}
			return err
		}
	}
}

// MWChatAllowed enforces the chat whitelist. An empty list admits every
// chat and owners pass everywhere. A refused request gets a terse reply
// and counts as handled, not failed.
func MWChatAllowed(allowed, owners []int64) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if chatAllowed(req.Chat.ChatID, req.FromID, allowed, owners) {
				return next(ctx, req)
			}
			reqLogger(logx.Nop(), req).Debug("chat not in whitelist")
			if req.Adapter != nil {
				_, _ = req.Adapter.SendText(ctx, req.Chat, "not allowed in this chat", nil)
			}
			return nil
		}
	}
}
