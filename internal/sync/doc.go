// Package sync drives synchronization between the local replica and the
// ledger server.
//
// Overview
//
// A sync cycle runs four phases in a fixed order, all against the cursor read
// when the cycle starts:
//
//	PULL            server → replica   records modified after the cursor
//	PUSH            replica → server   unsynced rows, in append order
//	FLUSH           replica → server   queued deletions, in enqueue order
//	CURSOR-ADVANCE  replica            only when no phase failed fatally
//
// followed by a best-effort balance refresh.
//
// Usage
//
//	db, err := replica.Open("fintrack.db")
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	engine := sync.New(db, remote.New(cfg.ServerURL), connectivity.NewProber(cfg.ServerURL, "", 0))
//	report, err := engine.Run(ctx)
//
// Failure semantics
//
// A transport failure aborts the current phase and the cycle, and leaves the
// cursor where it was. Rows already written to the replica stay written:
// every write is an upsert keyed by id, so the next cycle can re-apply them.
// An authorization failure is fatal and needs a new sign-in.
//
// Conflicts and per-row validation errors are not failures. They are
// returned in the Report, the rows stay unsynced, and the cycle ends with
// OutcomePartial.
//
// Concurrency
//
// Only one cycle runs per Engine. A second call to Run while a cycle is in
// progress returns ErrCycleInProgress immediately.
package sync
