// Package core implements the batch formation and dissemination state machine
// of the mempool together with the synchronizer that fetches batches which
// consensus references but the local store does not yet hold.
//
// The Core runs a single event loop fed by four sources: client transactions,
// peer messages, consensus requests and the batch timer. The Synchronizer runs
// in its own goroutine and owns the table of pending requests. The two only
// communicate through bounded channels.
package core
