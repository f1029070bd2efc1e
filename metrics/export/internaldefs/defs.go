package internaldefs

import (
	goSession "github.com/MrEthical07/goSession"
)

// CounterDef binds a session counter to its exported name.
type CounterDef struct {
	ID   goSession.MetricID
	Name string
	Help string
}

// HistogramDef binds a session histogram to its exported name.
type HistogramDef struct {
	ID   goSession.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter in a stable order.
var CounterDefs = []CounterDef{
	{ID: goSession.MetricLoginSuccess, Name: "gosession_login_success_total", Help: "Successful logins."},
	{ID: goSession.MetricLoginFailure, Name: "gosession_login_failure_total", Help: "Rejected or failed logins."},
	{ID: goSession.MetricRegister, Name: "gosession_register_total", Help: "Successful registrations."},
	{ID: goSession.MetricRefreshSuccess, Name: "gosession_refresh_success_total", Help: "Refresh calls that rotated the token pair."},
	{ID: goSession.MetricRefreshNetworkFailure, Name: "gosession_refresh_network_failure_total", Help: "Refresh calls that failed transiently."},
	{ID: goSession.MetricRefreshRejected, Name: "gosession_refresh_rejected_total", Help: "Refresh calls refused by the server."},
	{ID: goSession.MetricRefreshJoined, Name: "gosession_refresh_joined_total", Help: "Callers that joined an in-flight refresh."},
	{ID: goSession.MetricProactiveRefresh, Name: "gosession_proactive_refresh_total", Help: "Refreshes started by the scheduler timer."},
	{ID: goSession.MetricResumeRefresh, Name: "gosession_resume_refresh_total", Help: "Refreshes started by a resume check."},
	{ID: goSession.MetricRequestRetried, Name: "gosession_request_retried_total", Help: "Requests resent after a 401."},
	{ID: goSession.MetricAuthorizationFailure, Name: "gosession_authorization_failure_total", Help: "Requests still unauthorized after their retry."},
	{ID: goSession.MetricSessionExpired, Name: "gosession_session_expired_total", Help: "Session teardowns after a terminal refresh failure."},
	{ID: goSession.MetricLogout, Name: "gosession_logout_total", Help: "Explicit logouts."},
}

// HistogramDefs lists every exported histogram.
var HistogramDefs = []HistogramDef{
	{ID: goSession.MetricRefreshLatency, Name: "gosession_refresh_latency_seconds", Help: "Refresh call latency."},
}

// HistogramUpperBounds are the finite bucket bounds in seconds. The last bucket is +Inf.
var HistogramUpperBounds = []float64{
	0.025,
	0.05,
	0.1,
	0.25,
	0.5,
	1,
	2.5,
}

// HistogramBoundSuffix names each bucket, +Inf included, for exporters without native histograms.
var HistogramBoundSuffix = []string{
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"1",
	"2_5",
	"inf",
}

// NormalizeBuckets copies raw into a fixed array, zero-filling missing buckets.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
