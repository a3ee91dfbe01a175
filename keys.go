package stmgc

import (
	"encoding/binary"

	"github.com/dgryski/go-farm"
	"github.com/elliotcourant/stmgc/layout"
)

// Conflict keys are farm fingerprints so they spread evenly through the read set bloom filter. Handles are
// sequential and would cluster otherwise.

func objectKey(handle layout.Handle) uint64 {
	var buf [9]byte
	buf[0] = 'o'
	binary.BigEndian.PutUint64(buf[1:], uint64(handle))
	return farm.Fingerprint64(buf[:])
}

func rootKey(name string) uint64 {
	return farm.Fingerprint64(append([]byte{'r'}, name...))
}

// hashEntryKey may collide for different keys. That only makes transactions touching them conflict, the entries
// themselves are kept apart by the full key.
func hashEntryKey(table uint64, key string) uint64 {
	buf := make([]byte, 9, 9+len(key))
	buf[0] = 'h'
	binary.BigEndian.PutUint64(buf[1:], table)
	return farm.Fingerprint64(append(buf, key...))
}

func hashLengthKey(table uint64) uint64 {
	var buf [9]byte
	buf[0] = 'l'
	binary.BigEndian.PutUint64(buf[1:], table)
	return farm.Fingerprint64(buf[:])
}
