package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "rembot/internal/runtime/supervisor"
	kit "rembot/internal/transport"
	logx "rembot/pkg/logx"
)

// DispatchLoop drains updates and fans command work out to a bounded
// worker pool. It returns when ctx is cancelled or updates closes.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}

	sup := rtsup.New(ctx,
		rtsup.WithLogger(m.log.With(logx.String("comp", "telegram.router"))),
		rtsup.WithCancelOnError(false),
	)
	m.setRunState(sup, true)
	if m.serv != nil && m.serv.RuntimeSupervisors != nil {
		m.serv.RuntimeSupervisors.Set("telegram.router", sup)
	}
	m.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(m.queue)))

	var closeOnce sync.Once
	closeQueue := func() {
		closeOnce.Do(func() {
			// Flip running first so tryEnqueue fails soft instead of
			// writing to a closed channel.
			m.setRunState(sup, false)
			close(m.queue)
		})
	}

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			m.worker(c, idx)
			return nil
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		closeQueue()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		if m.serv != nil && m.serv.RuntimeSupervisors != nil {
			m.serv.RuntimeSupervisors.Delete("telegram.router")
		}
		m.setRunState(nil, false)
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				m.log.Info("updates channel closed")
				return nil
			}
			m.routeMessage(ctx, up)
		}
	}
}

func (m *CommandManager) worker(ctx context.Context, idx int) {
	m.log.Debug("command worker started", logx.Int("worker", idx))
	defer m.log.Debug("command worker stopped", logx.Int("worker", idx))
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-m.queue:
			if !ok {
				return
			}
			if job != nil {
				m.runJob(idx, job)
			}
		}
	}
}

// runJob keeps a worker alive through a panicking job. Handler panics are
// already recovered in middleware; this net covers the queue plumbing.
func (m *CommandManager) runJob(idx int, job func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

// tryEnqueue reports false when the queue is full or already closed.
func (m *CommandManager) tryEnqueue(fn func()) (ok bool) {
	if fn == nil {
		return false
	}
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case m.queue <- fn:
		return true
	default:
		return false
	}
}

// routeMessage resolves one update to a command and hands it to the pool.
// Refusals (unknown command, group help, owner gate) reply synchronously
// on the dispatch goroutine so they cannot reorder against each other.
func (m *CommandManager) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	toks := tokenizeCommandLine(text)
	if len(toks) == 0 {
		return
	}
	word := stripBotMention(strings.TrimPrefix(toks[0], "/"))
	args := toks[1:]

	m.mu.RLock()
	rootNode := m.root
	aliasMap := m.alias
	m.mu.RUnlock()

	reply := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	// Shortcut hit: jump straight to the leaf.
	if leaf := aliasMap[word]; leaf != nil && leaf.cmd != nil {
		cmd := *leaf.cmd
		pos, flags, bools := parseFlags(args)
		m.enqueueCommand(ctx, up, cmd, splitRoute(cmd.Route), pos, args, flags, bools)
		return
	}

	cur, ok := rootNode.child(word)
	if !ok {
		// Strangers get no hint that a bot is listening.
		if m.chatAllowedNow(msg.ChatID, msg.FromID) {
			_, _ = m.adapter.SendText(ctx, reply, "unknown command. try /help", nil)
		}
		return
	}

	path := []string{word}
	for len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		child, ok := cur.child(args[0])
		if !ok {
			break
		}
		cur = child
		path = append(path, args[0])
		args = args[1:]
	}

	if cur.cmd == nil {
		// Group without its own handler: show its help.
		if m.chatAllowedNow(msg.ChatID, msg.FromID) {
			_, _ = m.adapter.SendText(ctx, reply, m.helpText(path), &kit.SendOptions{DisablePreview: true, ParseMode: "HTML"})
		}
		return
	}

	cmd := *cur.cmd
	pos, flags, bools := parseFlags(args)
	m.enqueueCommand(ctx, up, cmd, path, pos, args, flags, bools)
}

// stripBotMention drops the "@botname" suffix Telegram appends in groups.
func stripBotMention(word string) string {
	if i := strings.IndexByte(word, '@'); i >= 0 {
		return word[:i]
	}
	return word
}

// enqueueCommand applies the owner gate synchronously, then queues the
// request through the middleware chain.
func (m *CommandManager) enqueueCommand(ctx context.Context, up kit.Update, cmd Command, path, args, raw []string, flags map[string]string, bools map[string]bool) {
	msg := up.Message
	if msg == nil {
		return
	}
	owners := m.ownerList()
	allowed := m.allowList()
	target := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	if cmd.Access == AccessOwnerOnly && !isOwner(msg.FromID, owners) {
		if chatAllowed(msg.ChatID, msg.FromID, allowed, owners) {
			_, _ = m.adapter.SendText(ctx, target, "unauthorized", nil)
		}
		return
	}

	rid := newReqID()
	var cfg *Config
	if m.cfgm != nil {
		cfg = m.cfgm.Get()
	}
	req := &Request{
		Update:    up,
		Chat:      target,
		FromID:    msg.FromID,
		Path:      path,
		Command:   cmd.Route,
		Args:      args,
		RawArgs:   raw,
		Flags:     flags,
		BoolFlags: bools,
		ReqID:     rid,
		Adapter:   m.adapter,
		Config:    cfg,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int("thread_id", msg.ThreadID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Route),
		),
		Services:    m.serv,
		OwnerUserID: owners,
	}

	run := Chain(
		cmd.Handle,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWChatAllowed(allowed, owners),
		MWTimeout(cmd.Timeout),
	)
	if !m.tryEnqueue(func() { _ = run(ctx, req) }) {
		_, _ = m.adapter.SendText(ctx, req.Chat, "busy, try again", nil)
	}
}

func isOwner(id int64, owners []int64) bool {
	for _, o := range owners {
		if o == id {
			return true
		}
	}
	return false
}

// chatAllowed is the whitelist rule: an empty list admits every chat, and
// owners pass from any chat.
func chatAllowed(chatID, fromID int64, allowed, owners []int64) bool {
	if isOwner(fromID, owners) || len(allowed) == 0 {
		return true
	}
	for _, id := range allowed {
		if id == chatID {
			return true
		}
	}
	return false
}
