// Package billing reconciles trainer subscription state from asynchronous
// billing events.
//
// Events from the card-billing provider and the App Store are normalized
// into Signals, filtered by a per-source ordering guard and folded into the
// stored trainer record by a pure state machine. Every accepted signal
// commits as a merge-patch through a single conditional store write, so
// out-of-order and duplicate deliveries can never regress persisted state.
// A periodic reconciliation sweep re-derives state straight from the
// providers to cover webhook deliveries that never arrived.
package billing
