// Package storage persists reminders.
//
// Two drivers share one contract: a dependency-free file backend (JSON
// Lines journal folded into a snapshot) and an optional sqlite backend
// behind the "sqlite" build tag. Mutations are durable before they return;
// the dispatch path depends on that for crash recovery.
package storage
