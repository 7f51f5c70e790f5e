// Package scheduler runs the single scheduling loop for due reminders.
//
// # Overview
//
// Every armed occurrence sits in one min-heap ordered by fire time, id
// breaking ties. The loop arms exactly one timer, targeting the earliest
// entry, and blocks until that timer fires or the heap head changes. Add
// and Remove wake the loop so a newly inserted earlier reminder re-targets
// the timer immediately; there is no polling interval to wait out.
//
// # Dispatch
//
// Due entries are handed to the Dispatcher one at a time, on the loop
// goroutine. The Dispatcher decides whether the id fires again and at what
// time; the loop re-arms accordingly. Keeping dispatch synchronous gives
// simultaneous reminders a deterministic id-ascending delivery order.
package scheduler
