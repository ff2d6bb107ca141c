// Package mempool runs the transaction dissemination layer of an authority.
//
// Clients submit transactions to the front. The core groups them into
// batches, persists each batch under its digest, broadcasts it to the rest
// of the committee and hands the digest to consensus. When consensus needs a
// batch it does not hold, the synchronizer fetches it from peers, retrying
// until it arrives or consensus gives up on it.
//
// Consensus talks to the mempool through two channels: it sends Get and
// Cleanup messages and receives BatchSealed and BatchResolved messages.
package mempool
