package entities

import "time"

type UsageKind string

const (
	UsageMessages      UsageKind = "messages"
	UsageVoiceSeconds  UsageKind = "voice_seconds"
	UsageWorkflowRuns  UsageKind = "workflow_runs"
	UsageToolCalls     UsageKind = "tool_calls"
	UsageOutboundCalls UsageKind = "outbound_calls"
)

var UsageKinds = []UsageKind{UsageMessages, UsageVoiceSeconds, UsageWorkflowRuns, UsageToolCalls, UsageOutboundCalls}

func ParseUsageKind(s string) (UsageKind, bool) {
	for _, k := range UsageKinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// UsagePeriod returns the billing period key (calendar month, UTC).
func UsagePeriod(t time.Time) string {
	return t.UTC().Format("2006-01")
}

type UsageCounter struct {
	TenantID  string    `json:"tenant_id"`
	Period    string    `json:"period"`
	Kind      UsageKind `json:"kind"`
	Value     int64     `json:"value"`
	Limit     int64     `json:"limit"`
	UpdatedAt time.Time `json:"updated_at"`
}

type ReserveResult struct {
	Allowed bool
	Value   int64 // counter after the operation (unchanged when denied)
	Limit   int64
}
