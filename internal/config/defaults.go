package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// defaultTopPorts is the quick-sweep port list used by the normal profile.
// Profiles may override it; the aggressive profile widens it.
var defaultTopPorts = []int{
	21, 22, 23, 25, 53, 80, 110, 111, 135, 139, 143, 443, 445,
	993, 995, 1433, 1723, 3306, 3389, 5432, 5900, 6379, 8000,
	8080, 8443, 8888, 9200, 27017,
}

// DefaultConfig returns a Config with sensible default values
func DefaultConfig() *Config {
	return &Config{
		WorkspaceRoot: "~/.scanward",
		Server: ServerConfig{
			Listen:         "127.0.0.1:8180",
			AllowedOrigins: []string{"http://localhost:*"},
		},
		Profiles: map[string]ProfileConfig{
			"stealth": {
				RateLimit:        10,
				RequestTimeout:   60 * time.Second,
				ProcessTimeout:   30 * time.Minute,
				Concurrency:      5,
				TopPorts:         []int{21, 22, 25, 53, 80, 110, 143, 443, 8080, 8443},
				NucleiSeverities: []string{"critical", "high"},
				MaxWaybackURLs:   2000,
				MaxFuzzTargets:   3,
				MaxJSFiles:       10,
				Stages: map[string]bool{
					"port_scan": false,
					"fuzzing":   false,
				},
			},
			"normal": {
				RateLimit:        50,
				RequestTimeout:   30 * time.Second,
				ProcessTimeout:   20 * time.Minute,
				Concurrency:      10,
				TopPorts:         defaultTopPorts,
				NucleiSeverities: []string{"critical", "high", "medium"},
				MaxWaybackURLs:   10000,
				MaxFuzzTargets:   5,
				MaxJSFiles:       25,
			},
			"aggressive": {
				RateLimit:        200,
				RequestTimeout:   10 * time.Second,
				ProcessTimeout:   15 * time.Minute,
				Concurrency:      25,
				TopPorts:         append(append([]int{}, defaultTopPorts...), 81, 300, 591, 3000, 3128, 4243, 4567, 5000, 7000, 7396, 7474, 8001, 8008, 8014, 8042, 8069, 8081, 8090, 8091, 9000, 9043, 9060, 9080, 9090, 9091, 9443, 9800, 9981, 12443, 16080),
				NucleiSeverities: []string{"critical", "high", "medium", "low", "info"},
				MaxWaybackURLs:   50000,
				MaxFuzzTargets:   10,
				MaxJSFiles:       50,
			},
		},
		Resilience: ResilienceConfig{
			ProbeInterval:     10 * time.Second,
			OfflinePauseAfter: 30 * time.Second,
			ResumeDelay:       10 * time.Second,
			ProbeHosts:        []string{"1.1.1.1", "8.8.8.8", "9.9.9.9"},
			PauseOnBattery:    false,
			BatteryThreshold:  20,
			PauseOnTemp:       false,
			TempThresholdC:    75,
		},
		LLM: LLMConfig{
			Enabled:    false,
			Endpoint:   "http://127.0.0.1:11434",
			AutoScale:  true,
			IdleUnload: 5 * time.Minute,
			ModelThresholds: map[string]uint64{
				"llama3.1:8b": 6000,
				"gemma3:4b":   3500,
				"gemma3:1b":   1500,
			},
		},
		Tools:   map[string]ToolOverride{},
		Notify:  NotifyConfig{},
		Logging: LoggingConfig{Level: "info"},
	}
}

// WriteDefault writes a default configuration to the specified path
func WriteDefault(path string) error {
	cfg := DefaultConfig()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal default config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
