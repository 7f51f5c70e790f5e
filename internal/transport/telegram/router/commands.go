package router

import (
	"context"
	"strings"
	"sync"
	"time"

	"rembot/internal/engine"
	"rembot/internal/holiday"
	"rembot/internal/notify"
	"rembot/internal/reminder"
	kit "rembot/internal/transport"
	logx "rembot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	// Route is the space-separated command path: "start", "remind add".
	Route       string
	Aliases     []string // root-level shortcuts, e.g. ["rl", "remind_ls"]
	Description string
	Usage       string
	Access      Access

	Timeout time.Duration // per-command override, 0 means none
	Handle  HandlerFunc
}

// Request carries one parsed command invocation into its handler.
type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Path    []string // matched route tokens
	Command string   // matched route string
	Args    []string

	RawArgs   []string
	Flags     map[string]string
	BoolFlags map[string]bool
	ReqID     string

	Adapter     kit.Adapter
	Config      *Config
	Logger      logx.Logger
	Services    *Services
	OwnerUserID []int64
}

// Services bundles the application ports handlers reach through. Fields may
// be nil in minimal or test setups; handlers check before use.
type Services struct {
	Reminders ReminderPort
	Notify    NotifyPort
	Holiday   HolidayPort

	// AppSupervisor is filled in by the app after startup.
	AppSupervisor *Supervisor

	// RuntimeSupervisors lists subsystem supervisors (adapter, router, ...)
	// for the status command.
	RuntimeSupervisors *SupervisorRegistry
}

// ReminderPort is the slice of the reminder engine the command surface needs.
type ReminderPort interface {
	Create(ctx context.Context, req reminder.CreateRequest) (reminder.Reminder, error)
	ListTarget(ctx context.Context, target string) ([]reminder.Reminder, error)
	DeleteIndex(ctx context.Context, target string, index int) (reminder.Reminder, error)
	Snapshot(ctx context.Context) engine.Snapshot
}

// NotifyPort exposes delivery pipeline counters and the recent delivery
// log for the status command.
type NotifyPort interface {
	Stats() notify.Stats
	Snapshot() []notify.HistoryItem
}

// HolidayPort exposes the loaded holiday tables for the status command.
type HolidayPort interface {
	Snapshot() []holiday.YearInfo
}

type CommandManager struct {
	mu sync.RWMutex

	root  *cmdNode
	alias map[string]*cmdNode // shortcut -> leaf

	owners  []int64
	allowed []int64 // chat whitelist; empty admits every chat

	log     logx.Logger
	adapter kit.Adapter
	cfgm    *ConfigManager
	serv    *Services

	runMu   sync.Mutex
	running bool
	sup     *Supervisor

	queue chan func()
}

func NewCommandManager(log logx.Logger, adapter kit.Adapter, cfgm *ConfigManager, serv *Services, owners, allowedChats []int64) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &CommandManager{
		root:    newRoot(),
		alias:   map[string]*cmdNode{},
		log:     log,
		adapter: adapter,
		cfgm:    cfgm,
		serv:    serv,
		owners:  append([]int64(nil), owners...),
		allowed: append([]int64(nil), allowedChats...),
		queue:   make(chan func(), 256),
	}
}

// Supervisor returns the router's internal supervisor while the dispatch
// loop runs, nil otherwise.
func (m *CommandManager) Supervisor() *Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	return m.sup
}

func (m *CommandManager) setRunState(sup *Supervisor, running bool) {
	m.runMu.Lock()
	m.sup = sup
	m.running = running
	m.runMu.Unlock()
}

// SetOwners swaps the owner list. Called on config hot-reload.
func (m *CommandManager) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

// SetAllowedChats swaps the chat whitelist. Empty admits every chat.
func (m *CommandManager) SetAllowedChats(chats []int64) {
	cp := append([]int64(nil), chats...)
	m.mu.Lock()
	m.allowed = cp
	m.mu.Unlock()
}

func (m *CommandManager) ownerList() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]int64(nil), m.owners...)
}

func (m *CommandManager) allowList() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]int64(nil), m.allowed...)
}

func (m *CommandManager) chatAllowedNow(chatID, fromID int64) bool {
	return chatAllowed(chatID, fromID, m.allowList(), m.ownerList())
}

// SetRegistry installs the command set, rebuilding the route tree and the
// shortcut map, and pushes the Telegram menu when the adapter supports it.
func (m *CommandManager) SetRegistry(cmds []Command) {
	cmds = append(cmds, m.helpCommand())

	root := newRoot()
	alias := map[string]*cmdNode{}
	registered := make([]Command, 0, len(cmds))

	for _, c := range cmds {
		route := splitRoute(c.Route)
		if len(route) == 0 || c.Handle == nil {
			continue
		}
		c := c
		root.add(route, c)
		registered = append(registered, c)
		addShortcuts(alias, root.find(route), route, c.Aliases)
	}

	m.mu.Lock()
	m.root = root
	m.alias = alias
	m.mu.Unlock()

	m.pushMenu(root, registered)
}

func (m *CommandManager) helpCommand() Command {
	return Command{
		Route:       "help",
		Aliases:     []string{"h"},
		Description: "show command help",
		Usage:       "/help [cmd] [sub...]",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			text := m.helpText(req.Args)
			_, _ = req.Adapter.SendText(ctx, req.Chat, text, &kit.SendOptions{DisablePreview: true, ParseMode: "HTML"})
			return nil
		},
	}
}

// addShortcuts fills the shortcut map for one command: the flattened menu
// form of its route plus every explicit alias (and the alias's
// Telegram-safe spelling).
//
// The canonical single-token name itself must NOT become a shortcut: a
// shortcut hit skips tree traversal, so "remind" in the map would swallow
// "/remind ls" before it ever reaches the "remind ls" leaf. The menu form
// is added only when it differs from the bare first token.
func addShortcuts(alias map[string]*cmdNode, leaf *cmdNode, route []string, explicit []string) {
	if leaf == nil {
		return
	}
	if menu, ok := telegramCommandNameFromRoute(route); ok {
		if len(route) > 1 || menu != route[0] {
			if _, taken := alias[menu]; !taken {
				alias[menu] = leaf
			}
		}
	}
	for _, a := range explicit {
		a = strings.TrimSpace(a)
		if a == "" || strings.ContainsRune(a, ' ') {
			continue
		}
		alias[a] = leaf
		if sa := sanitizeTelegramCommand(a); sa != "" {
			if _, taken := alias[sa]; !taken {
				alias[sa] = leaf
			}
		}
	}
}

// pushMenu updates Telegram's autocomplete list in the background. Runs
// under the app supervisor when one is wired so shutdown cancels it.
func (m *CommandManager) pushMenu(root *cmdNode, cmds []Command) {
	up, ok := m.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return
	}
	menu := buildTelegramMenuCommands(root, cmds)
	run := func(parent context.Context) {
		ctx, cancel := context.WithTimeout(parent, 5*time.Second)
		defer cancel()
		_ = up.UpdateMenuCommands(ctx, menu)
	}
	if m.serv != nil && m.serv.AppSupervisor != nil {
		m.serv.AppSupervisor.Go("telegram.menu.update", func(ctx context.Context) error {
			run(ctx)
			return nil
		})
		return
	}
	go run(context.Background())
}
