package options

// HandleVerification specifies how much checking is done on object handles as they cross into the introspector.
type HandleVerification int

const (
	// NoVerification trusts every handle. Only the slot index is bounds checked, a stale handle whose slot was reused
	// will be traced as the new occupant.
	NoVerification HandleVerification = iota
	// OnCallback validates the slot generation of every handle before it is given to SizeOf or Trace.
	OnCallback
	// OnVisit validates like OnCallback and additionally checks every non-nil reference yielded by Trace resolves
	// to a live object.
	OnVisit
)

func (v HandleVerification) String() string {
	switch v {
	case NoVerification:
		return "NoVerification"
	case OnCallback:
		return "OnCallback"
	case OnVisit:
		return "OnVisit"
	default:
		return "Unknown"
	}
}

// ConflictDetection specifies when a transaction looks for writes that were committed after it started.
type ConflictDetection int

const (
	// DetectOnLoad fails a load as soon as it observes an object newer than the transaction's read timestamp. A
	// transaction never computes with an inconsistent view of the heap.
	DetectOnLoad ConflictDetection = iota
	// DetectOnCommit only validates the read set when committing. Loads are cheaper but a doomed transaction may
	// keep running on stale values until it tries to commit.
	DetectOnCommit
)

func (c ConflictDetection) String() string {
	switch c {
	case DetectOnLoad:
		return "DetectOnLoad"
	case DetectOnCommit:
		return "DetectOnCommit"
	default:
		return "Unknown"
	}
}
