package models

import "time"

// SystemState is the process-wide health snapshot, a single row written by
// the resilience monitor each tick.
type SystemState struct {
	NetworkStatus  NetworkStatus `json:"network_status"`
	TunnelURL      string        `json:"tunnel_url,omitempty"`
	TunnelService  string        `json:"tunnel_service,omitempty"`
	BatteryLevel   int           `json:"battery_level,omitempty"`
	Charging       bool          `json:"charging"`
	TemperatureC   float64       `json:"temperature_c,omitempty"`
	LoadedModel    string        `json:"loaded_model,omitempty"`
	AvailableMemMB uint64        `json:"available_mem_mb,omitempty"`
	UpdatedAt      time.Time     `json:"updated_at"`
}
