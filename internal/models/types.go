package models

// ScanStatus represents the current state of a scan
type ScanStatus string

const (
	StatusPending   ScanStatus = "pending"
	StatusRunning   ScanStatus = "running"
	StatusPaused    ScanStatus = "paused"
	StatusCompleted ScanStatus = "completed"
	StatusFailed    ScanStatus = "failed"
)

// IsTerminal reports whether the status is absorbing. A terminal scan row
// is frozen except for checkpoint clearance.
func (s ScanStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsValid reports whether the value is one of the known statuses.
func (s ScanStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusPaused, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Profile selects a named bundle of per-stage configuration
type Profile string

const (
	ProfileStealth    Profile = "stealth"
	ProfileNormal     Profile = "normal"
	ProfileAggressive Profile = "aggressive"
)

func (p Profile) IsValid() bool {
	switch p {
	case ProfileStealth, ProfileNormal, ProfileAggressive:
		return true
	}
	return false
}

// Severity represents the severity level of a finding
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

func (s Severity) IsValid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return true
	}
	return false
}

// Rank orders severities for sorting, critical highest
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// NetworkStatus is the resilience monitor's view of upstream connectivity
type NetworkStatus string

const (
	NetworkOnline  NetworkStatus = "online"
	NetworkOffline NetworkStatus = "offline"
)

// PortState represents the observed state of a scanned port
type PortState string

const (
	PortOpen     PortState = "open"
	PortFiltered PortState = "filtered"
	PortClosed   PortState = "closed"
)
