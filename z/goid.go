package z

import "runtime"

// GoroutineID returns the id of the calling goroutine, parsed out of the first line of its stack trace. It costs
// roughly a microsecond, so it belongs on registration paths and not on every load or store.
func GoroutineID() int64 {
	// "goroutine 123 [running]:\n..." fits in 64 bytes.
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	return parseGoroutineID(buf[:n])
}

func parseGoroutineID(buf []byte) int64 {
	const prefix = "goroutine "
	if len(buf) < len(prefix) || string(buf[:len(prefix)]) != prefix {
		return 0
	}

	var id int64
	for _, c := range buf[len(prefix):] {
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + int64(c-'0')
	}

	return id
}
