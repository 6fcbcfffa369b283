package types

// Metric event names emitted by the lifecycle controller.
const (
	MetricVMStarted        = "vm_started"
	MetricVMResumed        = "vm_resumed"
	MetricVMSuspended      = "vm_suspended"
	MetricVMShutdown       = "vm_shutdown"
	MetricVMGuestStopped   = "vm_guest_stopped"
	MetricVMUnexpectedStop = "vm_unexpected_stop"
	MetricSessionOpened    = "session_opened"
	MetricSessionClosed    = "session_closed"
)

// VMMetricsSnapshot is emitted on every state-changing controller
// operation. It is written to the log sink and never stored.
type VMMetricsSnapshot struct {
	Event          string  `json:"event"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
	ActiveSessions int     `json:"active_sessions"`
	TotalSessions  int     `json:"total_sessions"`
	BootCount      int     `json:"boot_count"`
	SuspendCount   int     `json:"suspend_count"`
}
