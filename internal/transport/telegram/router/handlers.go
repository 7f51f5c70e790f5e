package router

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"rembot/internal/reminder"
	kit "rembot/internal/transport"
	"rembot/pkg/tgui"
)

const (
	timeLayout        = "2006-01-02 15:04"
	defaultListLimit  = 25
	defaultCmdTimeout = 15 * time.Second

	usageAdd = "/remind add <when> [daily|weekly|monthly|yearly] [workdays|restdays] <message…>"
)

// Commands returns the bot's command registry. Handlers reach their
// dependencies through req.Services.
func Commands() []Command {
	return []Command{
		{
			Route:       "start",
			Description: "what this bot does",
			Usage:       "/start",
			Access:      AccessEveryone,
			Timeout:     defaultCmdTimeout,
			Handle:      cmdStart,
		},
		{
			Route:       "remind add",
			Aliases:     []string{"ra"},
			Description: "schedule a reminder in this chat",
			Usage:       usageAdd,
			Access:      AccessEveryone,
			Timeout:     defaultCmdTimeout,
			Handle:      cmdRemindAdd,
		},
		{
			Route:       "remind ls",
			Aliases:     []string{"rl"},
			Description: "list this chat's reminders",
			Usage:       "/remind ls",
			Access:      AccessEveryone,
			Timeout:     defaultCmdTimeout,
			Handle:      cmdRemindList,
		},
		{
			Route:       "remind rm",
			Aliases:     []string{"rr"},
			Description: "remove a reminder by its list number",
			Usage:       "/remind rm <n>",
			Access:      AccessEveryone,
			Timeout:     defaultCmdTimeout,
			Handle:      cmdRemindRemove,
		},
		{
			Route:       "remind status",
			Description: "engine counters and goroutine stats",
			Usage:       "/remind status",
			Access:      AccessOwnerOnly,
			Timeout:     defaultCmdTimeout,
			Handle:      cmdRemindStatus,
		},
		{
			Route:       "remind help",
			Description: "how to use /remind",
			Usage:       "/remind help",
			Access:      AccessEveryone,
			Timeout:     defaultCmdTimeout,
			Handle:      cmdRemindHelp,
		},
	}
}

func replyHTML(ctx context.Context, req *Request, h tgui.H) error {
	_, err := req.Adapter.SendText(ctx, req.Chat, h.String(), &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

func replyText(ctx context.Context, req *Request, s string) error {
	_, err := req.Adapter.SendText(ctx, req.Chat, s, nil)
	return err
}

func cmdStart(ctx context.Context, req *Request) error {
	return replyHTML(ctx, req, tgui.JoinH("\n",
		"👋 "+tgui.B("rembot"),
		tgui.Esc("I keep reminders for this chat and deliver them on time."),
		"Start with "+tgui.Code("/remind help")+".",
	))
}

func cmdRemindAdd(ctx context.Context, req *Request) error {
	if req.Services == nil || req.Services.Reminders == nil {
		return replyText(ctx, req, "reminders are not available")
	}
	// RawArgs, not Args: reminder text may contain tokens that look like flags.
	creq, err := parseAddArgs(time.Now(), req.RawArgs)
	if err != nil {
		return replyHTML(ctx, req, tgui.JoinH("\n",
			tgui.Esc(err.Error()),
			"Usage: "+tgui.Code(usageAdd),
		))
	}
	creq.Target = kit.EncodeTarget(req.Chat)

	r, err := req.Services.Reminders.Create(ctx, creq)
	if err != nil {
		switch {
		case errors.Is(err, reminder.ErrLimitExceeded):
			return replyHTML(ctx, req, "this chat is at its reminder limit. remove one with "+tgui.Code("/remind rm <n>")+" first.")
		case errors.Is(err, reminder.ErrInvalidSchedule):
			return replyHTML(ctx, req, tgui.JoinH("\n",
				tgui.Esc(err.Error()),
				"Usage: "+tgui.Code(usageAdd),
			))
		}
		_ = replyText(ctx, req, "something went wrong, try again later")
		return fmt.Errorf("create reminder: %w", err)
	}
	return replyHTML(ctx, req, renderCreated(r))
}

func renderCreated(r reminder.Reminder) tgui.H {
	line := "⏰ reminder set for " + tgui.B(r.ScheduledAt.Format(timeLayout))
	if r.Policy.Repeats() {
		line += " · repeats " + tgui.Esc(string(r.Policy))
		if r.Filter != reminder.FilterNone {
			line += " (" + tgui.Esc(string(r.Filter)) + " only)"
		}
	}
	return tgui.JoinH("\n", line, tgui.Esc(tgui.TruncRunes(r.Message, 128)))
}

func cmdRemindList(ctx context.Context, req *Request) error {
	if req.Services == nil || req.Services.Reminders == nil {
		return replyText(ctx, req, "reminders are not available")
	}
	target := kit.EncodeTarget(req.Chat)
	rows, err := req.Services.Reminders.ListTarget(ctx, target)
	if err != nil {
		_ = replyText(ctx, req, "something went wrong, try again later")
		return fmt.Errorf("list reminders: %w", err)
	}
	if len(rows) == 0 {
		return replyHTML(ctx, req, "no reminders in this chat yet. "+tgui.Code("/remind help")+" shows how to add one.")
	}

	limit := defaultListLimit
	if req.Config != nil && req.Config.Reminders.DefaultListLimit > 0 {
		limit = req.Config.Reminders.DefaultListLimit
	}

	parts := []tgui.H{"🗒 " + tgui.B("Reminders") + tgui.Esc(fmt.Sprintf(" (%d)", len(rows)))}
	for i, r := range rows {
		if i >= limit {
			parts = append(parts, tgui.Esc(fmt.Sprintf("… and %d more", len(rows)-limit)))
			break
		}
		parts = append(parts, renderRow(i+1, r))
	}
	return replyHTML(ctx, req, tgui.JoinH("\n", parts...))
}

// renderRow renders one listing line. n is the 1-based position that
// "/remind rm" resolves against.
func renderRow(n int, r reminder.Reminder) tgui.H {
	line := tgui.Esc(strconv.Itoa(n)+". ") + tgui.Code(r.ScheduledAt.Format(timeLayout)) + " " + tgui.Esc(tgui.TruncRunes(r.Message, 64))
	if r.Policy.Repeats() {
		line += " · ↻ " + tgui.Esc(string(r.Policy))
		if r.Filter != reminder.FilterNone {
			line += " (" + tgui.Esc(string(r.Filter)) + ")"
		}
	}
	return line
}

func cmdRemindRemove(ctx context.Context, req *Request) error {
	if req.Services == nil || req.Services.Reminders == nil {
		return replyText(ctx, req, "reminders are not available")
	}
	if len(req.RawArgs) != 1 {
		return replyHTML(ctx, req, "Usage: "+tgui.Code("/remind rm <n>")+" · numbers come from "+tgui.Code("/remind ls"))
	}
	n, err := strconv.Atoi(req.RawArgs[0])
	if err != nil || n < 1 {
		return replyHTML(ctx, req, tgui.Esc(fmt.Sprintf("%q is not a list number", req.RawArgs[0])))
	}
	target := kit.EncodeTarget(req.Chat)

	r, err := req.Services.Reminders.DeleteIndex(ctx, target, n)
	if err != nil {
		if errors.Is(err, reminder.ErrNotFound) {
			return replyHTML(ctx, req, "no reminder "+tgui.Code("#"+strconv.Itoa(n))+" here. "+tgui.Code("/remind ls")+" shows the numbers.")
		}
		_ = replyText(ctx, req, "something went wrong, try again later")
		return fmt.Errorf("remove reminder: %w", err)
	}
	return replyHTML(ctx, req, "🗑 removed "+tgui.B("#"+strconv.Itoa(n))+" · "+tgui.Esc(tgui.TruncRunes(r.Message, 64)))
}

func cmdRemindStatus(ctx context.Context, req *Request) error {
	if req.Services == nil || req.Services.Reminders == nil {
		return replyText(ctx, req, "reminders are not available")
	}
	snap := req.Services.Reminders.Snapshot(ctx)

	parts := []tgui.H{
		"🛠 " + tgui.B("rembot status"),
		tgui.Esc(fmt.Sprintf("reminders: %d across %d chats", snap.Reminders, snap.Targets)),
	}
	if snap.Scheduler.Armed > 0 && !snap.Scheduler.NextAt.IsZero() {
		parts = append(parts, "next wake: "+tgui.Code(snap.Scheduler.NextAt.Format(timeLayout))+
			tgui.Esc(fmt.Sprintf(" (id %d, %d armed)", snap.Scheduler.NextID, snap.Scheduler.Armed)))
	} else {
		parts = append(parts, tgui.Esc("next wake: idle"))
	}
	fireLine := fmt.Sprintf("fires: %d total · %d delivered · %d rescheduled · %d retired",
		snap.Dispatch.Fired, snap.Dispatch.Delivered, snap.Dispatch.Rescheduled, snap.Dispatch.Retired)
	if snap.Dispatch.RetryArmed > 0 {
		fireLine += fmt.Sprintf(" · %d retries", snap.Dispatch.RetryArmed)
	}
	parts = append(parts, tgui.Esc(fireLine))
	if req.Services.Notify != nil {
		st := req.Services.Notify.Stats()
		line := fmt.Sprintf("delivery: %d sent · %d failed · %d dropped · %d suppressed",
			st.Sent, st.Failed, st.Dropped, st.Suppressed)
		if hist := req.Services.Notify.Snapshot(); len(hist) > 0 {
			line += " · last " + hist[len(hist)-1].At.Format(timeLayout)
		}
		parts = append(parts, tgui.Esc(line))
	}
	if req.Services.Holiday != nil {
		if years := req.Services.Holiday.Snapshot(); len(years) > 0 {
			ss := make([]string, 0, len(years))
			for _, y := range years {
				ss = append(ss, fmt.Sprintf("%d (%d holidays, %d workdays)", y.Year, y.Holidays, y.Workdays))
			}
			parts = append(parts, tgui.Esc("holiday table: "+strings.Join(ss, ", ")))
		}
	}
	parts = append(parts, tgui.Esc(fmt.Sprintf("goroutines: %d", runtime.NumGoroutine())))
	parts = append(parts, supervisorLines(req.Services)...)
	return replyHTML(ctx, req, tgui.JoinH("\n", parts...))
}

func supervisorLines(serv *Services) []tgui.H {
	type entry struct {
		name string
		sup  *Supervisor
	}
	var entries []entry
	if serv.AppSupervisor != nil {
		entries = append(entries, entry{"app", serv.AppSupervisor})
	}
	if serv.RuntimeSupervisors != nil {
		snap := serv.RuntimeSupervisors.Snapshot()
		names := make([]string, 0, len(snap))
		for n := range snap {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			if snap[n] != nil {
				entries = append(entries, entry{n, snap[n]})
			}
		}
	}
	if len(entries) == 0 {
		return nil
	}

	out := make([]tgui.H, 0, len(entries)+1)
	out = append(out, tgui.B("Tasks"))
	for _, e := range entries {
		s := e.sup.Snapshot()
		var restarts, panics uint64
		for _, t := range s.Tasks {
			restarts += t.Restarts
			panics += t.Panics
		}
		line := fmt.Sprintf("• %s: %d active, %d started", e.name, s.Active, s.Started)
		if restarts > 0 || panics > 0 {
			line += fmt.Sprintf(" (%d restarts, %d panics)", restarts, panics)
		}
		out = append(out, tgui.Esc(line))
	}
	return out
}

func cmdRemindHelp(ctx context.Context, req *Request) error {
	return replyHTML(ctx, req, tgui.JoinH("\n",
		"⏰ "+tgui.B("/remind")+" · reminders for this chat",
		tgui.B("Add"),
		tgui.Code(usageAdd),
		"• "+tgui.Code("2026-09-01 09:00")+" · a specific date and time",
		"• "+tgui.Code("08:30")+" · today, or tomorrow if already past",
		"• "+tgui.Code("+45m")+" · from now (Go duration)",
		tgui.B("Examples"),
		"• "+tgui.Code("/remind add +45m take the cake out"),
		"• "+tgui.Code("/remind add 08:30 daily workdays standup"),
		"• "+tgui.Code("/remind add 2026-12-24 18:00 yearly call home"),
		tgui.B("Manage"),
		"• "+tgui.Code("/remind ls")+" · list, numbered in creation order",
		"• "+tgui.Code("/remind rm <n>")+" · remove by list number",
		"• "+tgui.Code("/remind status")+" · owner-only engine stats",
	))
}
