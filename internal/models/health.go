package models

import "time"

// HealthStatus classifies the connection into coarse buckets for UI display.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthPoor     HealthStatus = "poor"
	HealthOffline  HealthStatus = "offline"
)

// ConnectionHealth is the derived view of transport health. It is recomputed
// from raw probe signals and never stored authoritatively.
type ConnectionHealth struct {
	IsHealthy           bool          `json:"isHealthy"`
	Status              HealthStatus  `json:"status"`
	Latency             time.Duration `json:"latency"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	ReconnectAttempts   int           `json:"reconnectAttempts"`
}

// NetworkQuality summarizes the probe window for the quality readout.
type NetworkQuality struct {
	Latency    time.Duration `json:"latency"`
	Jitter     time.Duration `json:"jitter"`
	PacketLoss float64       `json:"packetLoss"`
}
