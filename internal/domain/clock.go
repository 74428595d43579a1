package domain

import "time"

// Clock supplies the current time. Rate-limit windows, review windows and
// feedback windows are all measured against it.
type Clock interface {
	Now() time.Time
}
