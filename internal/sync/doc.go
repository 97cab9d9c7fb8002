// Package sync implements the reconciliation engine that keeps a local prompt
// store consistent with one authoritative backend.
//
// A pass runs in four stages: fetch the remote listing through the transport,
// build a plan with the pure three-way planner (local state, remote state, and
// the ledger's last agreed baseline), run the pre-flight capacity check, then
// execute the plan phase by phase. The ledger is the only durable working
// state; every successful transport call is paired with a ledger update so an
// interrupted pass reconciles itself on the next run.
//
// Conflicts are never resolved by picking a winner. A disputed record is split
// into two freshly-identified copies, one per side, each attributed to the
// device and time of its last edit, and the original is retired.
package sync
