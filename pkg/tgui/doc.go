// Package tgui holds the few text helpers the bot's replies need: an
// escaped-HTML string type for ParseMode="HTML" messages and rune-aware
// truncation for list rows.
package tgui
