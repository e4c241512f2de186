package pulse

// Event topics published by the monitor.
const (
	TopicProbeCompleted       = "pulse.probe.completed"       // payload ProbeResult
	TopicTransition           = "pulse.device.transition"     // payload Transition
	TopicRemediationCompleted = "pulse.remediation.completed" // payload RemediationOutcome
	TopicAlertDispatched      = "pulse.alert.dispatched"      // payload *Alert
)

const eventSource = "pulse"
