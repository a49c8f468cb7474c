package api

import "time"

type HealthResponse struct {
	Status          string    `json:"status"`
	ProtocolVersion int       `json:"protocolVersion"`
	GeneratedAt     time.Time `json:"generatedAt"`
}
