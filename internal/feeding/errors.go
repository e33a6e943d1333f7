package feeding

import "errors"

var (
	// ErrActuatorUnreachable covers connection, DNS and timeout failures.
	ErrActuatorUnreachable = errors.New("actuator unreachable")
	// ErrActuatorRejected means the device answered but refused the dispense
	// (out of food, mechanical fault, ...).
	ErrActuatorRejected = errors.New("actuator rejected dispense")
	// ErrInvalidPortion means the portion is outside the accepted range.
	ErrInvalidPortion = errors.New("invalid portion")
	// ErrStoreUnavailable wraps schedule store and event log I/O failures.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrConfiguration is fatal at startup.
	ErrConfiguration = errors.New("configuration error")
	// ErrTickInFlight is returned when a tick for the same owner is still running.
	ErrTickInFlight = errors.New("tick already in flight for owner")
)

// IsActuatorError reports whether err is one of the per-dispatch actuator failures
// that are recorded as a failed event rather than aborting a tick.
func IsActuatorError(err error) bool {
	return errors.Is(err, ErrActuatorUnreachable) ||
		errors.Is(err, ErrActuatorRejected) ||
		errors.Is(err, ErrInvalidPortion)
}

// ErrorKind returns a short, stable label for err, suitable for metrics labels.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrActuatorUnreachable):
		return "unreachable"
	case errors.Is(err, ErrActuatorRejected):
		return "rejected"
	case errors.Is(err, ErrInvalidPortion):
		return "invalid_portion"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrTickInFlight):
		return "in_flight"
	default:
		return "other"
	}
}
