package pulse

import (
	"errors"
	"fmt"
)

var (
	// ErrProbeTimeout means a probe did not complete within the probe timeout.
	ErrProbeTimeout = errors.New("probe timed out")
	// ErrProbe means a probe could not be carried out (transport failure,
	// bad address, missing privileges).
	ErrProbe = errors.New("probe error")
	// ErrRemediationTimeout means the executor did not finish in time.
	ErrRemediationTimeout = errors.New("remediation timed out")
	// ErrRemediation means the executor reported failure.
	ErrRemediation = errors.New("remediation failed")

	ErrRemediationInFlight = errors.New("remediation already in flight")
	ErrAttemptsExhausted   = errors.New("remediation attempts exhausted")
	ErrCoordinatorClosed   = errors.New("remediation coordinator is shut down")
	ErrUnknownDevice       = errors.New("unknown device")
	ErrInvalidTransition   = errors.New("invalid state transition")
)

// NotificationDeliveryError records a failed delivery on one channel.
type NotificationDeliveryError struct {
	Channel string
	AlertID string
	Err     error
}

func (e *NotificationDeliveryError) Error() string {
	return fmt.Sprintf("deliver alert %s via %s: %v", e.AlertID, e.Channel, e.Err)
}

func (e *NotificationDeliveryError) Unwrap() error { return e.Err }
