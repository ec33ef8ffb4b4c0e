// Package clock defines the time source injected into components whose
// behavior depends on wall-clock readings, so tests can substitute a fake.
package clock

import "time"

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}
