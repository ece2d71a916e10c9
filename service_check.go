package cistatsd

import (
	"strings"
)

// CheckStatus is the state reported by a service check.
type CheckStatus byte

const (
	StatusOK CheckStatus = iota
	StatusWarning
	StatusCritical
	StatusUnknown
)

func (s CheckStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusWarning:
		return "warning"
	case StatusCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseCheckStatus parses a status ignoring case, unknown values are StatusUnknown.
func ParseCheckStatus(s string) CheckStatus {
	switch strings.ToLower(s) {
	case "ok":
		return StatusOK
	case "warning":
		return StatusWarning
	case "critical":
		return StatusCritical
	default:
		return StatusUnknown
	}
}

// ServiceCheck is a health signal submitted alongside metrics and events.
type ServiceCheck struct {
	Name      string
	Status    CheckStatus
	Hostname  string
	Tags      TagMap
	Message   string
	Timestamp int64 // Unix epoch seconds, zero means now
}
