package messaging

// HealthStatus represents the health state of a messaging connection.
type HealthStatus struct {
	Configured bool   `json:"configured"`
	Connected  bool   `json:"connected"`
	Error      string `json:"error,omitempty"`
}

// CheckClientHealth reports whether client is connected. A nil client is
// reported as not configured, which readiness checks treat as healthy.
func CheckClientHealth(client Client) HealthStatus {
	if client == nil {
		return HealthStatus{}
	}
	status := HealthStatus{Configured: true, Connected: client.IsConnected()}
	if !status.Connected {
		status.Error = "not connected to message broker"
	}
	return status
}
