// Package clock abstracts wall-clock time so the request plane can be
// tested with a deterministic clock.
package clock

import "time"

// Clock yields the current wall-clock time in milliseconds since the
// Unix epoch.
type Clock interface {
	NowMS() int64
}

// System reads the real clock.
type System struct{}

func (System) NowMS() int64 {
	return time.Now().UnixMilli()
}

// NowMS is a convenience for call sites that do not need injection.
func NowMS() int64 {
	return System{}.NowMS()
}
