package shared

// Period statuses published by the portal's period calendar.
const (
	PeriodStatusOpen   = "OPEN"
	PeriodStatusClosed = "CLOSED"
	PeriodStatusLocked = "LOCKED"
)

// PeriodAcceptsMovements reports whether movements may be submitted or
// decided in a period with the given status.
func PeriodAcceptsMovements(status string) bool {
	return status == PeriodStatusOpen
}
