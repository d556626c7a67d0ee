// Package health provides worker health monitoring and status reporting.
package health

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// ComponentHealth is the state of one dependency.
type ComponentHealth struct {
	Name     string       `json:"name"`
	Status   SystemStatus `json:"status"`
	Critical bool         `json:"critical"`
	Error    string       `json:"error,omitempty"`
}

// HealthReport contains the full worker health report.
type HealthReport struct {
	SystemStatus       SystemStatus               `json:"system_status"`
	Components         map[string]ComponentHealth `json:"components"`
	DeadLettersPending int                        `json:"dead_letters_pending"`
}
