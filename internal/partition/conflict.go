package partition

import "github.com/cuemby/kepler/internal/index"

// Incoming is the metadata a setWithMeta/delWithMeta replication ingress
// carries for an incoming mutation, compared against the locally
// resident StoredValue to decide acceptance.
type Incoming struct {
	RevSeqno uint64
	Cas      uint64
	Exptime  uint32
	Flags    uint32
}

// Resolve reports whether incoming should replace the locally resident
// value local (nil for "no local copy", which always accepts). mode
// selects the comparison: ConflictResRevSeqno compares
// (revSeqno, cas, exptime, flags) lexicographically; ConflictResLWW
// compares cas first, falling through to the same tuple as a tie-break.
func Resolve(mode index.ConflictResMode, local *index.StoredValue, incoming Incoming) bool {
	if local == nil {
		return true
	}

	localTuple := [4]uint64{local.RevSeqno, local.Cas, uint64(local.Exptime), uint64(local.Flags)}
	incomingTuple := [4]uint64{incoming.RevSeqno, incoming.Cas, uint64(incoming.Exptime), uint64(incoming.Flags)}

	if mode == index.ConflictResLWW {
		// HLC/cas-based: compare cas first, then fall through to the
		// same tuple order for ties.
		localTuple = [4]uint64{local.Cas, local.RevSeqno, uint64(local.Exptime), uint64(local.Flags)}
		incomingTuple = [4]uint64{incoming.Cas, incoming.RevSeqno, uint64(incoming.Exptime), uint64(incoming.Flags)}
	}

	for i := range localTuple {
		if incomingTuple[i] != localTuple[i] {
			return incomingTuple[i] > localTuple[i]
		}
	}
	return false // fully tied: keep the local copy
}
