package api

import "github.com/mattjoyce/stepd/internal/protocol"

// AcceptedResponse is returned when a launch request is accepted.
type AcceptedResponse struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	JobID  uint32 `json:"job_id"`
	Status string `json:"status"`
}

// StepResponse is returned by GET /v1/steps/{id}.
type StepResponse struct {
	Live bool                `json:"live"`
	Step protocol.StepReport `json:"step"`
}

// StepsResponse is returned by GET /v1/steps.
type StepsResponse struct {
	Live   []protocol.StepReport  `json:"live"`
	Recent []*protocol.StepReport `json:"recent"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	Node          string `json:"node,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	LiveSteps     int    `json:"live_steps"`
}
