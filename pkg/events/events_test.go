package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atlassian/cistatsd"
	"github.com/atlassian/cistatsd/internal/fixtures"
)

func TestConfigChangedWithNothingSet(t *testing.T) {
	t.Parallel()

	ctx, _ := fixtures.NewFixedClock(context.Background(), time.Unix(1500, 0))
	e := NewConfigChanged(ctx, "", "", "ci1", "", nil)

	require.Equal(t, "ci1", e.Host)
	require.EqualValues(t, 1500, e.Date)
	require.Equal(t, "unknown", e.AggregationKey)
	require.Equal(t, cistatsd.Tags{"event_type:system"}, e.Tags.ToTags())
	require.Equal(t, "User anonymous changed file unknown", e.Title)
	require.Contains(t, e.Text, "User anonymous changed file unknown")
	require.Contains(t, e.Text, "Host: ci1, Jenkins URL: unknown")
	require.Equal(t, cistatsd.AlertWarning, e.AlertType)
	require.Equal(t, cistatsd.PriNormal, e.Priority)
	require.Equal(t, "unknown", e.JenkinsURL)
}

func TestConfigChangedWithEverythingSet(t *testing.T) {
	t.Parallel()

	tags := cistatsd.TagMap{}
	e := NewConfigChanged(context.Background(), "", "filename", "ci1", "", tags)
	require.Equal(t, "filename", e.AggregationKey)
	require.Equal(t, "User anonymous changed file filename", e.Title)
	require.Contains(t, e.Text, "Host: ci1, Jenkins URL: unknown")
	require.Len(t, e.Tags, 1)
	require.Empty(t, tags) // caller's map is not modified
	require.NotZero(t, e.Date)

	e = NewConfigChanged(context.Background(), "SyStEm", "filename", "ci1", "https://ci/", tags)
	require.Equal(t, cistatsd.AlertInfo, e.AlertType)
	require.Equal(t, cistatsd.PriLow, e.Priority)
	require.Equal(t, "User SyStEm changed file filename", e.Title)
	require.Equal(t, "https://ci/", e.JenkinsURL)
}

func TestBuildCompletedAlertTypes(t *testing.T) {
	t.Parallel()

	for result, expected := range map[string]cistatsd.AlertType{
		"SUCCESS":   cistatsd.AlertSuccess,
		"failure":   cistatsd.AlertError,
		"UNSTABLE":  cistatsd.AlertWarning,
		"ABORTED":   cistatsd.AlertInfo,
		"NOT_BUILT": cistatsd.AlertInfo,
	} {
		e := NewBuildCompleted(context.Background(), Build{Job: "job", Number: 3, Result: result, Host: "ci1"})
		require.Equal(t, expected, e.AlertType, result)
	}
}

func TestBuildCompleted(t *testing.T) {
	t.Parallel()

	e := NewBuildCompleted(context.Background(), Build{
		Job:        "folder/job",
		Number:     12,
		Result:     "FAILURE",
		Host:       "ci1",
		JenkinsURL: "https://ci/job/12/",
		Duration:   1500 * time.Millisecond,
		Tags:       cistatsd.TagMap{}.Add("team", "infra"),
	})
	require.Equal(t, "folder/job build #12 failure on ci1", e.Title)
	require.Contains(t, e.Text, "(https://ci/job/12/)")
	require.Contains(t, e.Text, "1.5s")
	require.Equal(t, "folder/job", e.AggregationKey)
	require.Equal(t, cistatsd.Tags{"event_type:default", "job:folder/job", "result:FAILURE", "team:infra"}, e.Tags.ToTags())
}
