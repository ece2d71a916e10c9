package datadog

import (
	"github.com/atlassian/cistatsd"
)

type metricType string

// counter is the datadog count type.
const counter metricType = "count"

// timeSeries represents a time series data structure.
type timeSeries struct {
	Series []metric `json:"series"`
}

// metric represents a metric data structure for Datadog.
type metric struct {
	Host     string     `json:"host,omitempty"`
	Interval float64    `json:"interval,omitempty"`
	Metric   string     `json:"metric"`
	Points   [1]point   `json:"points"`
	Tags     []string   `json:"tags,omitempty"`
	Type     metricType `json:"type,omitempty"`
}

// point is a Datadog data point, a timestamp and a value.
type point [2]float64

// addMetric adds a metric to the series.  The timestamp is set by stamp.
func (ts *timeSeries) addMetric(metricType metricType, value float64, hostname string, tags cistatsd.Tags, name string, interval float64) {
	ts.Series = append(ts.Series, metric{
		Host:     hostname,
		Interval: interval,
		Metric:   name,
		Points:   [1]point{{0, value}},
		Tags:     tags,
		Type:     metricType,
	})
}

// stamp sets the timestamp of every point.
func (ts *timeSeries) stamp(now float64) {
	for i := range ts.Series {
		ts.Series[i].Points[0][0] = now
	}
}
