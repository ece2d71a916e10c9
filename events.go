package cistatsd

import (
	"strings"
)

// Priority of an event.
type Priority byte

const (
	// PriNormal is normal priority.
	PriNormal Priority = iota // Must be zero to work as default
	// PriLow is low priority.
	PriLow
)

func (p Priority) String() string {
	switch p {
	case PriLow:
		return "low"
	default:
		return "normal"
	}
}

// AlertType is the type of alert.
type AlertType byte

const (
	// AlertInfo is alert level "info".
	AlertInfo AlertType = iota // Must be zero to work as default
	// AlertWarning is alert level "warning".
	AlertWarning
	// AlertError is alert level "error".
	AlertError
	// AlertSuccess is alert level "success".
	AlertSuccess
)

func (a AlertType) String() string {
	switch a {
	case AlertWarning:
		return "warning"
	case AlertError:
		return "error"
	case AlertSuccess:
		return "success"
	default:
		return "info"
	}
}

// ParseAlertType parses an alert type ignoring case, unknown values are AlertInfo.
func ParseAlertType(s string) AlertType {
	switch strings.ToLower(s) {
	case "warning":
		return AlertWarning
	case "error":
		return AlertError
	case "success":
		return AlertSuccess
	default:
		return AlertInfo
	}
}

// ParsePriority parses a priority ignoring case, unknown values are PriNormal.
func ParsePriority(s string) Priority {
	if strings.EqualFold(s, "low") {
		return PriLow
	}
	return PriNormal
}

// Event represents an event, described at http://docs.datadoghq.com/guides/dogstatsd/
type Event struct {
	// Title of the event.
	Title string
	// Text of the event. Supports line breaks.
	Text string
	// Host the event is about.
	Host string
	// AggregationKey of the event, to group it with some other events.
	AggregationKey string
	// Tags of the event.
	Tags TagMap
	// AlertType of the event.
	AlertType AlertType
	// Priority of the event.
	Priority Priority
	// Date of the event. Unix epoch timestamp, zero means now.
	Date int64
	// JenkinsURL is the root URL of the CI server that emitted the event.
	JenkinsURL string
}
