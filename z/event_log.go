package z

import "golang.org/x/net/trace"

var (
	// NoEventLog discards everything, it is used when event logging is disabled.
	NoEventLog trace.EventLog = nilEventLog{}
)

type nilEventLog struct{}

func (nel nilEventLog) Printf(format string, a ...interface{}) {}

func (nel nilEventLog) Errorf(format string, a ...interface{}) {}

func (nel nilEventLog) Finish() {}

// NewEventLog returns a real trace.EventLog when enabled is true and NoEventLog otherwise.
func NewEventLog(family, title string, enabled bool) trace.EventLog {
	if !enabled {
		return NoEventLog
	}

	return trace.NewEventLog(family, title)
}
