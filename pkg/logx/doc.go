// Package logx is rembot's logging layer. It wraps zerolog behind a small
// Logger value so the rest of the code never imports zerolog directly, and
// so the active sinks (console, JSON file, rate-limited Telegram mirror)
// can be swapped at runtime on a config reload.
package logx
