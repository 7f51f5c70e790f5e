// Package adapter connects rembot to Telegram via long polling. It turns
// incoming text messages into transport updates and delivers outgoing
// notifications, chunking messages that exceed Telegram's size limit.
package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "rembot/internal/runtime/supervisor"
	kit "rembot/internal/transport"
	logx "rembot/pkg/logx"
)

const (
	telegramTextLimit  = 4000
	defaultPollTimeout = 10 * time.Second
	apiTimeout         = 8 * time.Second
	stopGraceDefault   = 2 * time.Second
	dropReportEvery    = 5 * time.Second
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	// out holds the current chan<- kit.Update. Swapped by Start/Stop while
	// telebot handlers keep running, hence the atomic.
	out atomic.Value

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	// drops counts updates shed because the consumer lagged the poll loop.
	// Reported in batches so a slow consumer does not also flood the log.
	drops atomic.Uint64

	menuMu   sync.Mutex
	menuHash uint64
	http     *http.Client
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = defaultPollTimeout
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}

	a := &Adapter{
		cfg:  cfg,
		log:  log,
		bot:  bot,
		http: &http.Client{Timeout: apiTimeout},
	}
	// atomic.Value needs one fixed dynamic type; seed it with a nil channel.
	var none chan<- kit.Update
	a.out.Store(none)

	bot.Handle(tele.OnText, func(c tele.Context) error {
		a.forward(c.Message())
		return nil
	})
	return a, nil
}

func (a *Adapter) forward(m *tele.Message) {
	if m == nil || m.Sender == nil {
		return
	}
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	up := kit.Update{Message: &kit.Message{
		ID:           m.ID,
		ChatID:       m.Chat.ID,
		ThreadID:     m.ThreadID,
		FromID:       m.Sender.ID,
		FromUsername: m.Sender.Username,
		Text:         m.Text,
		IsGroup:      m.Chat.Type == tele.ChatGroup || m.Chat.Type == tele.ChatSuperGroup,
	}}
	select {
	case out <- up:
	default:
		a.drops.Add(1)
	}
}

// Supervisor returns the adapter's internal supervisor, nil before Start.
// Status output walks it for task counters.
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	sup := rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))),
		// Adapter trouble must not take down the app.
		rtsup.WithCancelOnError(false),
	)
	a.sup = sup
	a.runMu.Unlock()

	sup.Go0("drops.report", func(c context.Context) {
		a.reportDrops(c, cap(out))
	})

	// Telebot has no context support; a watcher translates cancellation
	// into bot.Stop().
	sup.Go0("telebot.cancel_watch", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// bot.Start blocks until Stop. It can also return early in some failure
	// modes, so it runs under a restart loop and self-heals.
	sup.GoRestart0("telebot.poll", func(c context.Context) {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)

	return nil
}

func (a *Adapter) reportDrops(ctx context.Context, chanCap int) {
	flush := func() {
		if n := a.drops.Swap(0); n > 0 {
			a.log.Warn("incoming updates dropped (channel full)",
				logx.Uint64("count", n), logx.Int("chan_cap", chanCap))
		}
	}
	ticker := time.NewTicker(dropReportEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-ticker.C:
			flush()
		}
	}
}

// Stop detaches the update channel and winds the poll loop down. It never
// blocks shutdown on a pending getUpdates long poll.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var none chan<- kit.Update
	a.out.Store(none)
	a.runMu.Unlock()

	if !wasRunning {
		a.log.Debug("stop requested with no active poll session")
		return nil
	}
	a.log.Info("stopping", logx.Uint64("dropped_updates_pending", a.drops.Load()))

	sup.Cancel()
	// telebot Stop should be quick; keep it off the shutdown path anyway.
	go a.bot.Stop()

	wctx, cancel := context.WithTimeout(ctx, stopGrace(ctx))
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
			a.log.Warn("poll tasks did not finish within stop grace", logx.Err(err))
		case sup.Context().Err() != nil:
			a.log.Debug("poll tasks reported an error while stopping", logx.Err(err))
		default:
			a.log.Warn("stop wait failed", logx.Err(err))
		}
	}
	return nil
}

func stopGrace(ctx context.Context) time.Duration {
	grace := stopGraceDefault
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	return grace
}

// splitTelegramText cuts long output into pieces of at most limit runes.
// Cuts land on newlines when one is close enough, and in HTML parse mode a
// piece never ends inside an unclosed tag.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	html := strings.EqualFold(parseMode, "HTML")
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	for start := 0; start < len(rs); {
		end := start + limit
		if end >= len(rs) {
			end = len(rs)
		} else {
			end = breakAtNewline(rs, start, end, limit/3)
			if html {
				end = breakBeforeTag(rs, start, end)
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

// breakAtNewline moves end back to just past the last newline in the
// window, unless that would leave a piece under min runes.
func breakAtNewline(rs []rune, start, end, min int) int {
	for i := end - 1; i > start; i-- {
		if rs[i] == '\n' && i-start >= min {
			return i + 1
		}
	}
	return end
}

// breakBeforeTag backs end off to a dangling '<' so a tag never straddles
// two messages.
func breakBeforeTag(rs []rune, start, end int) int {
	open, shut := -1, -1
	for i := start; i < end; i++ {
		switch rs[i] {
		case '<':
			open = i
		case '>':
			shut = i
		}
	}
	if open > shut && open > start+1 {
		return open
	}
	return end
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	var po kit.SendOptions
	if opt != nil {
		po = *opt
	}
	chunks := splitTelegramText(text, telegramTextLimit, po.ParseMode)
	if len(chunks) == 0 {
		chunks = []string{""}
	}

	chat := &tele.Chat{ID: to.ChatID}
	sendOpt := &tele.SendOptions{
		ParseMode:             po.ParseMode,
		DisableWebPagePreview: po.DisablePreview,
		ThreadID:              to.ThreadID,
	}

	var first kit.MessageRef
	for i, chunk := range chunks {
		if err := ctxErr(ctx); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, sendOpt)
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

func ctxErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// UpdateMenuCommands pushes the command list to Telegram's setMyCommands.
// The call is skipped while the list is unchanged since the last push.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	sum := menuChecksum(cmds)
	if sum == a.menuHash {
		return nil
	}

	body, count, err := menuPayload(cmds)
	if err != nil {
		return err
	}

	url := "https://api.telegram.org/bot" + strings.TrimSpace(a.cfg.Token) + "/setMyCommands"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := a.http
	if client == nil {
		client = &http.Client{Timeout: apiTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var reply struct {
		OK          bool   `json:"ok"`
		ErrorCode   int    `json:"error_code"`
		Description string `json:"description"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&reply)

	if resp.StatusCode/100 != 2 || !reply.OK {
		if reply.Description != "" {
			return fmt.Errorf("telegram setMyCommands failed: %s (code=%d http=%d)", reply.Description, reply.ErrorCode, resp.StatusCode)
		}
		return fmt.Errorf("telegram setMyCommands failed: http=%d", resp.StatusCode)
	}

	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", count))
	return nil
}

func menuChecksum(cmds []kit.BotCommand) uint64 {
	h := fnv.New64a()
	for _, c := range cmds {
		h.Write([]byte(c.Command))
		h.Write([]byte{0})
		h.Write([]byte(c.Description))
		h.Write([]byte{0})
	}
	return h.Sum64()
}

// menuPayload builds the setMyCommands body within Telegram's caps:
// at most 100 commands, descriptions at most 256 bytes.
func menuPayload(cmds []kit.BotCommand) ([]byte, int, error) {
	type cmd struct {
		Command     string `json:"command"`
		Description string `json:"description"`
	}
	list := make([]cmd, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		if len(d) > 256 {
			d = d[:256]
		}
		list = append(list, cmd{Command: c.Command, Description: d})
		if len(list) >= 100 {
			break
		}
	}
	body, err := json.Marshal(struct {
		Commands []cmd `json:"commands"`
	}{Commands: list})
	return body, len(list), err
}
