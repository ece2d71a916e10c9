package web

import (
	"bytes"
	"compress/zlib"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	"github.com/atlassian/cistatsd"
	"github.com/atlassian/cistatsd/pkg/events"
	"github.com/atlassian/cistatsd/pkg/logs"
	"github.com/atlassian/cistatsd/pkg/tracecache"
)

const maxBodySize = 1 << 20

var jsonConfig = jsoniter.ConfigCompatibleWithStandardLibrary

type counterRequest struct {
	Name     string              `json:"name"`
	Job      string              `json:"job"`
	Hostname string              `json:"hostname"`
	Tags     map[string][]string `json:"tags"`
	Value    *int64              `json:"value"`
}

type eventRequest struct {
	Title          string              `json:"title"`
	Text           string              `json:"text"`
	Host           string              `json:"host"`
	AggregationKey string              `json:"aggregation_key"`
	Tags           map[string][]string `json:"tags"`
	AlertType      string              `json:"alert_type"`
	Priority       string              `json:"priority"`
	DateHappened   int64               `json:"date_happened"`
	JenkinsURL     string              `json:"jenkins_url"`
}

type checkRequest struct {
	Check     string              `json:"check"`
	Status    string              `json:"status"`
	Hostname  string              `json:"host_name"`
	Tags      map[string][]string `json:"tags"`
	Message   string              `json:"message"`
	Timestamp int64               `json:"timestamp"`
}

type logRequest struct {
	BuildID    string                 `json:"build_id"`
	Job        string                 `json:"job"`
	Line       string                 `json:"line"`
	Tags       map[string][]string    `json:"tags"`
	Attributes map[string]interface{} `json:"attributes"`
}

type buildRequest struct {
	BuildID    string              `json:"build_id"`
	Job        string              `json:"job"`
	Number     int                 `json:"number"`
	Result     string              `json:"result"`
	Host       string              `json:"host"`
	JenkinsURL string              `json:"jenkins_url"`
	DurationMs int64               `json:"duration_ms"`
	Tags       map[string][]string `json:"tags"`
}

type traceRequest struct {
	BuildID string `json:"build_id"`
	TraceID string `json:"trace_id"`
	SpanID  string `json:"span_id"`
}

type flushResponse struct {
	Keys      int  `json:"keys"`
	Submitted int  `json:"submitted"`
	Failed    int  `json:"failed"`
	Skipped   bool `json:"skipped"`
}

type ingressHandler struct {
	logger  logrus.FieldLogger
	source  cistatsd.ClientSource
	store   *cistatsd.CounterStore
	flusher Flusher
	traces  *tracecache.Cache
	jobs    JobPolicy
}

func toTagMap(tags map[string][]string) cistatsd.TagMap {
	tm := make(cistatsd.TagMap, len(tags))
	for key, values := range tags {
		if len(values) == 0 {
			tm.Add(key, "")
		}
		for _, value := range values {
			tm.Add(key, value)
		}
	}
	return tm
}

// jobTags returns the request tags merged with the tags of job, and false if
// job is filtered out.
func (ih *ingressHandler) jobTags(job string, tags map[string][]string) (cistatsd.TagMap, bool) {
	tm := toTagMap(tags)
	if ih.jobs == nil || job == "" {
		return tm, true
	}
	if !ih.jobs.Allowed(job) {
		return nil, false
	}
	return tm.Merge(ih.jobs.Tags(job)), true
}

var errBodyTooLarge = errors.New("body too large")

// decompress inflates input, up to maxBodySize bytes.
func decompress(input []byte) ([]byte, error) {
	decompressor, err := zlib.NewReader(bytes.NewReader(input))
	if err != nil {
		return nil, err
	}
	defer decompressor.Close()

	var out bytes.Buffer
	if _, err = out.ReadFrom(io.LimitReader(decompressor, maxBodySize+1)); err != nil {
		return nil, err
	}
	if out.Len() > maxBodySize {
		return nil, errBodyTooLarge
	}
	return out.Bytes(), nil
}

// readBody returns the request body, inflated if it is deflate encoded, or
// the status code to fail the request with.
func (ih *ingressHandler) readBody(w http.ResponseWriter, req *http.Request) ([]byte, int) {
	b, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxBodySize))
	_ = req.Body.Close()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			ih.logger.WithField("limit", tooLarge.Limit).Info("body too large")
			return nil, http.StatusRequestEntityTooLarge
		}
		ih.logger.WithError(err).Info("failed reading body")
		return nil, http.StatusInternalServerError
	}

	encoding := req.Header.Get("Content-Encoding")
	switch encoding {
	case "deflate":
		b, err = decompress(b)
		if errors.Is(err, errBodyTooLarge) {
			ih.logger.Info("inflated body too large")
			return nil, http.StatusRequestEntityTooLarge
		}
		if err != nil {
			ih.logger.WithError(err).Info("failed decompressing body")
			return nil, http.StatusBadRequest
		}
	case "identity", "":
	default:
		if len(encoding) > 64 {
			encoding = encoding[0:64]
		}
		ih.logger.WithField("encoding", encoding).Info("invalid encoding")
		return nil, http.StatusUnsupportedMediaType
	}
	return b, 0
}

// decode reads the body into v.  It writes the failure response and returns
// false when the body can't be used.
func (ih *ingressHandler) decode(w http.ResponseWriter, req *http.Request, v interface{}) bool {
	b, errCode := ih.readBody(w, req)
	if errCode != 0 {
		w.WriteHeader(errCode)
		return false
	}
	if err := jsonConfig.Unmarshal(b, v); err != nil {
		ih.logger.WithError(err).Info("failed to unmarshal")
		w.WriteHeader(http.StatusBadRequest)
		return false
	}
	return true
}

func badRequest(w http.ResponseWriter, msg string) {
	w.WriteHeader(http.StatusBadRequest)
	_, _ = w.Write([]byte(msg))
}

func (ih *ingressHandler) counter(w http.ResponseWriter, req *http.Request) {
	var msg counterRequest
	if !ih.decode(w, req, &msg) {
		return
	}
	if msg.Name == "" {
		badRequest(w, "name is required")
		return
	}
	value := int64(1)
	if msg.Value != nil {
		value = *msg.Value
	}
	if value <= 0 {
		badRequest(w, "value must be positive")
		return
	}

	client := ih.source.Client()
	tags, allowed := ih.jobTags(msg.Job, msg.Tags)
	if client == nil || !allowed {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if value == 1 {
		client.IncrementCounter(msg.Name, msg.Hostname, tags)
	} else {
		ih.store.Add(msg.Name, msg.Hostname, tags.ToTags(), value)
	}
	w.WriteHeader(http.StatusAccepted)
}

func (ih *ingressHandler) event(w http.ResponseWriter, req *http.Request) {
	var msg eventRequest
	if !ih.decode(w, req, &msg) {
		return
	}
	if msg.Title == "" {
		badRequest(w, "title is required")
		return
	}

	client := ih.source.Client()
	if client == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	e := &cistatsd.Event{
		Title:          msg.Title,
		Text:           msg.Text,
		Host:           msg.Host,
		AggregationKey: msg.AggregationKey,
		Tags:           toTagMap(msg.Tags),
		AlertType:      cistatsd.ParseAlertType(msg.AlertType),
		Priority:       cistatsd.ParsePriority(msg.Priority),
		Date:           msg.DateHappened,
		JenkinsURL:     msg.JenkinsURL,
	}
	if err := client.SendEvent(req.Context(), e); err != nil {
		ih.logger.WithError(err).WithField("title", e.Title).Warn("failed to send event")
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (ih *ingressHandler) check(w http.ResponseWriter, req *http.Request) {
	var msg checkRequest
	if !ih.decode(w, req, &msg) {
		return
	}
	if msg.Check == "" {
		badRequest(w, "check is required")
		return
	}

	client := ih.source.Client()
	if client == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	sc := &cistatsd.ServiceCheck{
		Name:      msg.Check,
		Status:    cistatsd.ParseCheckStatus(msg.Status),
		Hostname:  msg.Hostname,
		Tags:      toTagMap(msg.Tags),
		Message:   msg.Message,
		Timestamp: msg.Timestamp,
	}
	if err := client.SendServiceCheck(req.Context(), sc); err != nil {
		ih.logger.WithError(err).WithField("check", sc.Name).Warn("failed to send service check")
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// log forwards a build log line.  Send failures are logged by the writer and
// never reported to the caller.
func (ih *ingressHandler) log(w http.ResponseWriter, req *http.Request) {
	var msg logRequest
	if !ih.decode(w, req, &msg) {
		return
	}
	if msg.BuildID == "" {
		badRequest(w, "build_id is required")
		return
	}
	if tags, allowed := ih.jobTags(msg.Job, msg.Tags); allowed {
		logs.NewWriter(ih.source, ih.traces, msg.BuildID, tags, msg.Attributes, ih.logger).
			Write(req.Context(), msg.Line)
	}
	w.WriteHeader(http.StatusAccepted)
}

const buildCompletedCounter = "jenkins.job.completed"

// build reports a finished build: it counts it, sends its event and forgets
// its trace.
func (ih *ingressHandler) build(w http.ResponseWriter, req *http.Request) {
	var msg buildRequest
	if !ih.decode(w, req, &msg) {
		return
	}
	if msg.Job == "" {
		badRequest(w, "job is required")
		return
	}
	if ih.traces != nil && msg.BuildID != "" {
		ih.traces.Delete(msg.BuildID)
	}

	client := ih.source.Client()
	tags, allowed := ih.jobTags(msg.Job, msg.Tags)
	if client == nil || !allowed {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	e := events.NewBuildCompleted(req.Context(), events.Build{
		Job:        msg.Job,
		Number:     msg.Number,
		Result:     msg.Result,
		Host:       msg.Host,
		JenkinsURL: msg.JenkinsURL,
		Duration:   time.Duration(msg.DurationMs) * time.Millisecond,
		Tags:       tags,
	})
	result := strings.ToUpper(msg.Result)
	if result == "" {
		result = "UNKNOWN"
	}
	client.IncrementCounter(buildCompletedCounter, msg.Host, tags.Copy().Add("job", msg.Job).Add("result", result))
	if err := client.SendEvent(req.Context(), e); err != nil {
		ih.logger.WithError(err).WithField("job", msg.Job).Warn("failed to send build event")
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (ih *ingressHandler) putTrace(w http.ResponseWriter, req *http.Request) {
	var msg traceRequest
	if !ih.decode(w, req, &msg) {
		return
	}
	if msg.BuildID == "" || msg.TraceID == "" {
		badRequest(w, "build_id and trace_id are required")
		return
	}
	ih.traces.Put(msg.BuildID, tracecache.Span{TraceID: msg.TraceID, SpanID: msg.SpanID})
	w.WriteHeader(http.StatusAccepted)
}

func (ih *ingressHandler) deleteTrace(w http.ResponseWriter, req *http.Request) {
	ih.traces.Delete(mux.Vars(req)["build"])
	w.WriteHeader(http.StatusNoContent)
}

func (ih *ingressHandler) flush(w http.ResponseWriter, req *http.Request) {
	res := ih.flusher.Flush(req.Context())
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = jsoniter.NewEncoder(w).Encode(flushResponse{
		Keys:      res.Keys,
		Submitted: res.Submitted,
		Failed:    res.Failed,
		Skipped:   res.Skipped,
	})
}
