package offload

import "sync"

// CallLog is the ordered list of call names currently in flight. It only
// feeds progress displays: a reply pops the most recent entry whatever
// call it answered, so with concurrent calls to the same name the log
// can name the wrong one.
type CallLog struct {
	// notifyMu keeps notifications in the order of the changes they report.
	notifyMu sync.Mutex

	mu       sync.Mutex
	names    []string
	onChange func([]string)
}

// NewCallLog creates an empty log. onChange, if set, receives a copy of
// the log after every change. It must not change the log itself.
func NewCallLog(onChange func([]string)) *CallLog {
	return &CallLog{onChange: onChange}
}

// Push records a new in-flight call.
func (l *CallLog) Push(name string) {
	l.change(func() {
		l.names = append(l.names, name)
	})
}

// Pop drops the most recent entry. Popping an empty log is a no-op apart
// from the change notification.
func (l *CallLog) Pop() {
	l.change(func() {
		if n := len(l.names); n > 0 {
			l.names = l.names[:n-1]
		}
	})
}

// Remove drops the most recent entry with the given name.
func (l *CallLog) Remove(name string) {
	l.change(func() {
		for i := len(l.names) - 1; i >= 0; i-- {
			if l.names[i] == name {
				l.names = append(l.names[:i], l.names[i+1:]...)
				break
			}
		}
	})
}

func (l *CallLog) change(apply func()) {
	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()

	l.mu.Lock()
	apply()
	snapshot := l.snapshotLocked()
	l.mu.Unlock()

	if l.onChange != nil {
		l.onChange(snapshot)
	}
}

// Names returns a copy of the current log.
func (l *CallLog) Names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// Len returns the number of entries.
func (l *CallLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.names)
}

func (l *CallLog) snapshotLocked() []string {
	out := make([]string, len(l.names))
	copy(out, l.names)
	return out
}
