package logs

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/atlassian/cistatsd"
	"github.com/atlassian/cistatsd/pkg/tracecache"
	"github.com/atlassian/cistatsd/pkg/transport"
)

const source = "jenkins"

// Writer forwards the log lines of one build.  Failures are logged and
// swallowed, they must never fail the build.
type Writer struct {
	source     cistatsd.ClientSource
	traces     *tracecache.Cache
	buildID    string
	ddtags     string
	attributes map[string]interface{}
	logger     logrus.FieldLogger
}

// NewWriter returns a Writer for buildID.  traces may be nil.  attributes are
// merged into every entry, they can't override the reserved keys.
func NewWriter(source cistatsd.ClientSource, traces *tracecache.Cache, buildID string, tags cistatsd.TagMap, attributes map[string]interface{}, logger logrus.FieldLogger) *Writer {
	return &Writer{
		source:     source,
		traces:     traces,
		buildID:    buildID,
		ddtags:     tags.ToTags().String(),
		attributes: attributes,
		logger:     logger.WithField("build", buildID),
	}
}

// Write sends one line.  Empty lines and lines written while no client is
// configured are dropped, as are lines for a client without log collection.
// A failed send is retried once.
func (w *Writer) Write(ctx context.Context, line string) {
	if line == "" {
		return
	}
	client := w.source.Client()
	if client == nil {
		return
	}

	payload, err := transport.MarshalJSON(w.entry(line))
	if err != nil {
		w.logger.WithError(err).Error("failed to encode log line")
		return
	}

	err = client.SendLogs(ctx, payload)
	if err == nil || errors.Is(err, cistatsd.ErrLogsDisabled) {
		return
	}
	w.logger.WithError(err).Debug("failed to send log line, retrying")
	if err = client.SendLogs(ctx, payload); err != nil {
		w.logger.WithError(err).Warn("failed to send log line")
	}
}

func (w *Writer) entry(line string) map[string]interface{} {
	entry := make(map[string]interface{}, len(w.attributes)+6)
	for k, v := range w.attributes {
		entry[k] = v
	}
	entry["ddtags"] = w.ddtags
	entry["message"] = line
	entry["ddsource"] = source
	entry["service"] = source
	if w.traces != nil {
		if span, ok := w.traces.Get(w.buildID); ok {
			entry["trace_id"] = span.TraceID
			entry["span_id"] = span.SpanID
		}
	}
	return entry
}
