package stmgc

import (
	"context"
	"sync"

	"github.com/elliotcourant/stmgc/z"
)

type (
	oracle struct {
		// Used for nextTransactionTimestamp and commits.
		sync.Mutex

		// nextTransactionTimestamp is the commit timestamp the next committing transaction will get. The read
		// timestamp of a new transaction is one less than this.
		nextTransactionTimestamp uint64

		// Used to block Begin, so all previous commits are applied to the heap before a new transaction reads it.
		transactionMark *z.WaterMark

		// Tracks the read timestamps of transactions that are still running, used to decide which committed
		// transactions can no longer conflict with anyone.
		readMark *z.WaterMark

		// committedTransactions contains the conflict keys of transactions which committed while some reader was
		// still active. It is trimmed using readMark.
		committedTransactions []committedTransaction
		lastCleanupTimestamp  uint64

		// closer is used to stop watermarks.
		closer *z.Closer
	}

	committedTransaction struct {
		timestamp    uint64
		conflictKeys map[uint64]struct{}
	}
)

func newOracle(opts Options) *oracle {
	// Watermarks ignore index zero, so the first read timestamp is 1 and is already done.
	orc := &oracle{
		nextTransactionTimestamp: 2,

		readMark:        &z.WaterMark{Name: "stmgc.PendingReads"},
		transactionMark: &z.WaterMark{Name: "stmgc.TransactionTimestamp"},
		closer:          z.NewCloser(2),
	}

	orc.readMark.Init(orc.closer, opts.EventLogging)
	orc.transactionMark.Init(orc.closer, opts.EventLogging)
	orc.transactionMark.SetDoneUntil(1)

	return orc
}

func (o *oracle) stop() {
	o.closer.SignalAndWait()
}

// readTimestamp returns the timestamp a new transaction reads at. It blocks until every transaction that committed
// at or before that timestamp has finished applying its writes to the heap.
func (o *oracle) readTimestamp() uint64 {
	o.Lock()
	readTimestamp := o.nextTransactionTimestamp - 1
	o.readMark.Begin(readTimestamp)
	o.Unlock()

	z.Check(o.transactionMark.WaitForMark(context.Background(), readTimestamp))

	return readTimestamp
}

// hasConflict must be called while holding the oracle lock.
func (o *oracle) hasConflict(txn *Transaction) bool {
	if len(txn.reads) == 0 {
		return false
	}

	for _, committed := range o.committedTransactions {
		// A commit at or before our read timestamp is already part of what we read.
		if committed.timestamp <= txn.readTimestamp {
			continue
		}

		for key := range committed.conflictKeys {
			// The bloom filter never gives a false negative, only a hit needs the exact read set.
			if !txn.readFilter.Has(key) {
				continue
			}

			if _, ok := txn.reads[key]; ok {
				return true
			}
		}
	}

	return false
}

// newCommitTimestamp assigns the commit timestamp of txn, or reports a conflict. On success the caller must call
// doneCommit once the writes are visible in the heap.
func (o *oracle) newCommitTimestamp(txn *Transaction) (uint64, bool) {
	o.Lock()
	defer o.Unlock()

	if o.hasConflict(txn) {
		return 0, true
	}

	o.doneRead(txn)
	o.cleanupCommittedTransactions()

	timestamp := o.nextTransactionTimestamp
	o.nextTransactionTimestamp++
	o.transactionMark.Begin(timestamp)

	z.AssertTrue(timestamp >= o.lastCleanupTimestamp)

	o.committedTransactions = append(o.committedTransactions, committedTransaction{
		timestamp:    timestamp,
		conflictKeys: txn.conflictKeys,
	})

	return timestamp, false
}

// validateReadOnly checks a transaction without writes for conflicts and releases its read timestamp.
func (o *oracle) validateReadOnly(txn *Transaction) bool {
	o.Lock()
	defer o.Unlock()

	conflict := o.hasConflict(txn)
	o.doneRead(txn)

	return conflict
}

func (o *oracle) doneRead(txn *Transaction) {
	if !txn.doneRead {
		txn.doneRead = true
		o.readMark.Done(txn.readTimestamp)
	}
}

func (o *oracle) doneCommit(timestamp uint64) {
	o.transactionMark.Done(timestamp)
}

// cleanupCommittedTransactions drops the committed transactions no running reader can conflict with. Must be called
// while holding the oracle lock.
func (o *oracle) cleanupCommittedTransactions() {
	maxReadTimestamp := o.readMark.DoneUntil()

	z.AssertTrue(maxReadTimestamp >= o.lastCleanupTimestamp)

	// do not run clean up if the maxReadTimestamp (read timestamp of the oldest transaction that is still in flight)
	// has not increased
	if maxReadTimestamp == o.lastCleanupTimestamp {
		return
	}
	o.lastCleanupTimestamp = maxReadTimestamp

	kept := o.committedTransactions[:0]
	for _, committed := range o.committedTransactions {
		if committed.timestamp <= maxReadTimestamp {
			continue
		}
		kept = append(kept, committed)
	}
	o.committedTransactions = kept
}

// pending is the number of committed transactions still kept for conflict detection.
func (o *oracle) pending() int {
	o.Lock()
	defer o.Unlock()
	return len(o.committedTransactions)
}
