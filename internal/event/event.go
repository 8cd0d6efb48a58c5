package event

import "time"

// Type identifies the kind of event.
type Type int

const (
	ScanStarted Type = iota + 1
	ScanComplete
	ListFailed
	FileStarted
	FileCompleted
	FileFailed
	FileSkipped
	RunComplete
	RunStopped
	RunFailed
)

var typeNames = [...]string{
	ScanStarted:   "ScanStarted",
	ScanComplete:  "ScanComplete",
	ListFailed:    "ListFailed",
	FileStarted:   "FileStarted",
	FileCompleted: "FileCompleted",
	FileFailed:    "FileFailed",
	FileSkipped:   "FileSkipped",
	RunComplete:   "RunComplete",
	RunStopped:    "RunStopped",
	RunFailed:     "RunFailed",
}

func (t Type) String() string {
	if t > 0 && int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "Unknown"
}

// Event represents a single progress event from the sync engine.
type Event struct {
	Type      Type
	Timestamp time.Time
	Path      string // path relative to the mirror root
	Size      int64  // bytes transferred for this file
	Total     int64  // total pending tasks (ScanComplete)
	TotalSize int64  // projected bytes (ScanComplete, from the size probe)
	Error     error
	WorkerID  int
}
