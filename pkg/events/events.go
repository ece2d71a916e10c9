package events

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tilinna/clock"

	"github.com/atlassian/cistatsd"
)

const (
	unknown       = "unknown"
	anonymousUser = "anonymous"
	systemUser    = "system"

	eventTypeKey     = "event_type"
	eventTypeSystem  = "system"
	eventTypeDefault = "default"
)

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

// NewConfigChanged builds the event for a configuration file saved by user.
// Changes made by the system user are informational, everything else is a
// warning.
func NewConfigChanged(ctx context.Context, user, file, host, jenkinsURL string, tags cistatsd.TagMap) *cistatsd.Event {
	user = orDefault(user, anonymousUser)
	file = orDefault(file, unknown)
	jenkinsURL = orDefault(jenkinsURL, unknown)

	title := fmt.Sprintf("User %s changed file %s", user, file)
	e := &cistatsd.Event{
		Title:          title,
		Text:           fmt.Sprintf("%%%%%% \n%s \n\nHost: %s, Jenkins URL: %s\n%%%%%%", title, host, jenkinsURL),
		Host:           host,
		AggregationKey: file,
		Tags:           tags.Copy().Add(eventTypeKey, eventTypeSystem),
		AlertType:      cistatsd.AlertWarning,
		Priority:       cistatsd.PriNormal,
		Date:           clock.FromContext(ctx).Now().Unix(),
		JenkinsURL:     jenkinsURL,
	}
	if strings.EqualFold(user, systemUser) {
		e.AlertType = cistatsd.AlertInfo
		e.Priority = cistatsd.PriLow
	}
	return e
}

// Build describes a finished build.
type Build struct {
	Job        string
	Number     int
	Result     string // SUCCESS, FAILURE, UNSTABLE, ABORTED, NOT_BUILT
	Host       string
	JenkinsURL string
	Duration   time.Duration
	Tags       cistatsd.TagMap
}

// alertTypeForResult maps a build result to the alert type of its event.
func alertTypeForResult(result string) cistatsd.AlertType {
	switch strings.ToUpper(result) {
	case "SUCCESS":
		return cistatsd.AlertSuccess
	case "FAILURE":
		return cistatsd.AlertError
	case "UNSTABLE":
		return cistatsd.AlertWarning
	default:
		return cistatsd.AlertInfo
	}
}

// NewBuildCompleted builds the event for a finished build.
func NewBuildCompleted(ctx context.Context, b Build) *cistatsd.Event {
	job := orDefault(b.Job, unknown)
	result := strings.ToUpper(orDefault(b.Result, unknown))
	jenkinsURL := orDefault(b.JenkinsURL, unknown)

	title := fmt.Sprintf("%s build #%d %s on %s", job, b.Number, strings.ToLower(result), b.Host)
	text := fmt.Sprintf("%%%%%% \n[See results for build #%d](%s) (%s)\n%%%%%%", b.Number, jenkinsURL, b.Duration.Round(time.Millisecond))

	return &cistatsd.Event{
		Title:          title,
		Text:           text,
		Host:           b.Host,
		AggregationKey: job,
		Tags: b.Tags.Copy().
			Add(eventTypeKey, eventTypeDefault).
			Add("job", job).
			Add("result", result),
		AlertType:  alertTypeForResult(result),
		Priority:   cistatsd.PriNormal,
		Date:       clock.FromContext(ctx).Now().Unix(),
		JenkinsURL: jenkinsURL,
	}
}
