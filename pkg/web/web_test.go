package web

import (
	"bytes"
	"compress/zlib"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlassian/cistatsd"
	"github.com/atlassian/cistatsd/internal/fixtures"
	"github.com/atlassian/cistatsd/pkg/flush"
	"github.com/atlassian/cistatsd/pkg/healthcheck"
	"github.com/atlassian/cistatsd/pkg/tracecache"
)

type fakeFlusher struct {
	calls int
	res   flush.Result
}

func (f *fakeFlusher) Flush(ctx context.Context) flush.Result {
	f.calls++
	return f.res
}

type unhealthy struct{}

func (unhealthy) HealthChecks() []healthcheck.HealthcheckFunc {
	return []healthcheck.HealthcheckFunc{func() (string, healthcheck.HealthyStatus) {
		return "last flush failed", healthcheck.Unhealthy
	}}
}

func quietLogger(t *testing.T) logrus.FieldLogger {
	return fixtures.NewTestLogger(t, fixtures.WithLevel(logrus.InfoLevel))
}

func newTestServer(t *testing.T, in Ingress) *Server {
	if in.Store == nil {
		in.Store = cistatsd.NewCounterStore()
	}
	if in.Source == nil {
		in.Source = fixtures.StaticSource{}
	}
	s, err := NewServer(quietLogger(t), in, Options{
		Address:           "127.0.0.1:0",
		EnableIngestion:   true,
		EnableHealthcheck: true,
	})
	require.NoError(t, err)
	return s
}

func do(s *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	return rec
}

func TestCounterIncrementsThroughClient(t *testing.T) {
	t.Parallel()
	var gotName, gotHost string
	var gotTags cistatsd.Tags
	client := &fixtures.MockClient{
		TB: t,
		FnIncrementCounter: func(name, hostname string, tags cistatsd.TagMap) {
			gotName, gotHost, gotTags = name, hostname, tags.ToTags()
		},
	}
	s := newTestServer(t, Ingress{Source: fixtures.StaticSource{C: client}})

	rec := do(s, "POST", "/v1/counter", `{"name":"jenkins.job.started","hostname":"ci1","tags":{"job":["a"],"branch":["main","dev"]}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "jenkins.job.started", gotName)
	require.Equal(t, "ci1", gotHost)
	require.Equal(t, cistatsd.Tags{"branch:dev", "branch:main", "job:a"}, gotTags)
}

func TestCounterWithValueAddsToStore(t *testing.T) {
	t.Parallel()
	store := cistatsd.NewCounterStore()
	s := newTestServer(t, Ingress{
		Source: fixtures.StaticSource{C: &fixtures.MockClient{TB: t}},
		Store:  store,
	})

	rec := do(s, "POST", "/v1/counter", `{"name":"jenkins.queue.size","hostname":"ci1","value":3}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	counts := store.GetAndReset()
	require.Equal(t, int64(3), counts[cistatsd.NewCounterKey("jenkins.queue.size", "ci1", nil)])
}

func TestCounterWithoutClientHasNoEffect(t *testing.T) {
	t.Parallel()
	store := cistatsd.NewCounterStore()
	s := newTestServer(t, Ingress{Store: store})

	rec := do(s, "POST", "/v1/counter", `{"name":"jenkins.job.started","value":5}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Zero(t, store.Len())
}

func TestCounterRejectsBadRequests(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, Ingress{})

	for name, body := range map[string]string{
		"garbage":        `{`,
		"missing name":   `{"value":1}`,
		"negative value": `{"name":"a","value":-1}`,
		"zero value":     `{"name":"a","value":0}`,
	} {
		rec := do(s, "POST", "/v1/counter", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
	}
}

func TestDeflateBody(t *testing.T) {
	t.Parallel()
	var got string
	client := &fixtures.MockClient{
		TB:                 t,
		FnIncrementCounter: func(name, hostname string, tags cistatsd.TagMap) { got = name },
	}
	s := newTestServer(t, Ingress{Source: fixtures.StaticSource{C: client}})

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	_, err := zw.Write([]byte(`{"name":"compressed"}`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	req := httptest.NewRequest("POST", "/v1/counter", &buf)
	req.Header.Set("Content-Encoding", "deflate")
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "compressed", got)

	req = httptest.NewRequest("POST", "/v1/counter", strings.NewReader(`{"name":"x"}`))
	req.Header.Set("Content-Encoding", "br")
	rec = httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestBodyTooLarge(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, Ingress{Source: fixtures.StaticSource{C: &fixtures.MockClient{TB: t}}})

	big := `{"name":"x","tags":{"k":["` + strings.Repeat("a", maxBodySize) + `"]}}`
	rec := do(s, "POST", "/v1/counter", big)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	_, err := zw.Write([]byte(big))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.Less(t, buf.Len(), maxBodySize)

	req := httptest.NewRequest("POST", "/v1/counter", &buf)
	req.Header.Set("Content-Encoding", "deflate")
	rec = httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestEvent(t *testing.T) {
	t.Parallel()
	var got *cistatsd.Event
	client := &fixtures.MockClient{
		TB: t,
		FnSendEvent: func(ctx context.Context, e *cistatsd.Event) error {
			got = e
			return nil
		},
	}
	s := newTestServer(t, Ingress{Source: fixtures.StaticSource{C: client}})

	rec := do(s, "POST", "/v1/event", `{"title":"build failed","text":"see log","host":"ci1","alert_type":"error","priority":"low","date_happened":1000,"tags":{"event_type":["default"]}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NotNil(t, got)
	require.Equal(t, "build failed", got.Title)
	require.Equal(t, "see log", got.Text)
	require.Equal(t, "ci1", got.Host)
	require.Equal(t, cistatsd.AlertError, got.AlertType)
	require.Equal(t, cistatsd.PriLow, got.Priority)
	require.Equal(t, int64(1000), got.Date)
	require.Equal(t, cistatsd.Tags{"event_type:default"}, got.Tags.ToTags())
}

func TestEventFailureIsBadGateway(t *testing.T) {
	t.Parallel()
	client := &fixtures.MockClient{
		TB: t,
		FnSendEvent: func(ctx context.Context, e *cistatsd.Event) error {
			return &cistatsd.TransportError{Op: "event", Err: errors.New("boom")}
		},
	}
	s := newTestServer(t, Ingress{Source: fixtures.StaticSource{C: client}})

	require.Equal(t, http.StatusBadGateway, do(s, "POST", "/v1/event", `{"title":"t"}`).Code)
	require.Equal(t, http.StatusBadRequest, do(s, "POST", "/v1/event", `{"text":"no title"}`).Code)
}

func TestCheck(t *testing.T) {
	t.Parallel()
	var got *cistatsd.ServiceCheck
	client := &fixtures.MockClient{
		TB: t,
		FnSendServiceCheck: func(ctx context.Context, sc *cistatsd.ServiceCheck) error {
			got = sc
			return nil
		},
	}
	s := newTestServer(t, Ingress{Source: fixtures.StaticSource{C: client}})

	rec := do(s, "POST", "/v1/check", `{"check":"jenkins.can_connect","status":"critical","host_name":"ci1","message":"down"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NotNil(t, got)
	require.Equal(t, "jenkins.can_connect", got.Name)
	require.Equal(t, cistatsd.StatusCritical, got.Status)
	require.Equal(t, "ci1", got.Hostname)
	require.Equal(t, "down", got.Message)
}

func TestLogUsesTraceCache(t *testing.T) {
	t.Parallel()
	var payload []byte
	client := &fixtures.MockClient{
		TB: t,
		FnSendLogs: func(ctx context.Context, p []byte) error {
			payload = p
			return nil
		},
	}
	traces := tracecache.New(10, time.Hour, quietLogger(t))
	s := newTestServer(t, Ingress{Source: fixtures.StaticSource{C: client}, Traces: traces})

	rec := do(s, "POST", "/v1/trace", `{"build_id":"job-1","trace_id":"123","span_id":"456"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = do(s, "POST", "/v1/log", `{"build_id":"job-1","line":"Started by user","tags":{"job":["job"]}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, string(payload), `"message":"Started by user"`)
	require.Contains(t, string(payload), `"trace_id":"123"`)
	require.Contains(t, string(payload), `"ddtags":"job:job"`)

	rec = do(s, "DELETE", "/v1/trace/job-1", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestTraceRoutesNeedBuildAndTrace(t *testing.T) {
	t.Parallel()
	traces := tracecache.New(10, time.Hour, quietLogger(t))
	s := newTestServer(t, Ingress{Traces: traces})

	require.Equal(t, http.StatusBadRequest, do(s, "POST", "/v1/trace", `{"build_id":"b"}`).Code)
	require.Zero(t, traces.Len())
}

func TestLogRequiresBuildID(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, Ingress{})
	require.Equal(t, http.StatusBadRequest, do(s, "POST", "/v1/log", `{"line":"x"}`).Code)
	require.Equal(t, http.StatusAccepted, do(s, "POST", "/v1/log", `{"build_id":"b","line":"x"}`).Code)
}

func TestFlush(t *testing.T) {
	t.Parallel()
	f := &fakeFlusher{res: flush.Result{Keys: 4, Submitted: 3, Failed: 1}}
	s := newTestServer(t, Ingress{Flusher: f})

	rec := do(s, "POST", "/v1/flush", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, f.calls)
	require.JSONEq(t, `{"keys":4,"submitted":3,"failed":1,"skipped":false}`, rec.Body.String())
}

func TestFlushRouteNeedsFlusher(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, Ingress{})
	rec := do(s, "POST", "/v1/flush", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "not found", rec.Body.String())
}

func TestHealthChecks(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, Ingress{HealthProviders: []interface{}{unhealthy{}}})

	rec := do(s, "GET", "/healthcheck", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.JSONEq(t, `{"ok":[],"failed":["last flush failed"]}`, rec.Body.String())

	rec = do(s, "GET", "/deepcheck", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"ok":[],"failed":[]}`, rec.Body.String())
}

func TestMetrics(t *testing.T) {
	t.Parallel()
	reg := prom.NewRegistry()
	c := prom.NewCounter(prom.CounterOpts{Name: "test_requests_total", Help: "test"})
	reg.MustRegister(c)
	c.Add(7)
	s := newTestServer(t, Ingress{Gatherer: reg})

	rec := do(s, "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "test_requests_total 7")
}

func TestNoRoutesIsAnError(t *testing.T) {
	t.Parallel()
	_, err := NewServer(quietLogger(t), Ingress{}, Options{})
	require.Error(t, err)
}

func TestIngestionNeedsSourceAndStore(t *testing.T) {
	t.Parallel()
	_, err := NewServer(quietLogger(t), Ingress{}, Options{EnableIngestion: true})
	require.Error(t, err)
}

func TestOptionsFromViper(t *testing.T) {
	t.Parallel()
	v := viper.New()
	o := OptionsFromViper(v)
	require.Equal(t, Options{Address: DefaultAddress, EnableIngestion: true, EnableHealthcheck: true}, o)

	v.Set("http.address", "0.0.0.0:9000")
	v.Set("http.enable-prof", true)
	o = OptionsFromViper(v)
	require.Equal(t, "0.0.0.0:9000", o.Address)
	require.True(t, o.EnableProf)
}

func TestHttpServerShutsdown(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, Ingress{})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		s.Run(ctx)
	}()
	cancel()

	select {
	case <-stopped:
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}

type onlyJob string

func (j onlyJob) Allowed(job string) bool { return job == string(j) }

func (j onlyJob) Tags(job string) cistatsd.TagMap {
	return cistatsd.TagMap{}.Add("job", job)
}

func TestCounterAppliesJobPolicy(t *testing.T) {
	t.Parallel()
	var got []cistatsd.Tags
	client := &fixtures.MockClient{
		TB: t,
		FnIncrementCounter: func(name, hostname string, tags cistatsd.TagMap) {
			got = append(got, tags.ToTags())
		},
	}
	s := newTestServer(t, Ingress{Source: fixtures.StaticSource{C: client}, Jobs: onlyJob("deploy")})

	require.Equal(t, http.StatusAccepted, do(s, "POST", "/v1/counter", `{"name":"jenkins.job.completed","job":"deploy","tags":{"result":["SUCCESS"]}}`).Code)
	require.Equal(t, http.StatusAccepted, do(s, "POST", "/v1/counter", `{"name":"jenkins.job.completed","job":"secret"}`).Code)
	require.Equal(t, []cistatsd.Tags{{"job:deploy", "result:SUCCESS"}}, got)
}

func TestBuildCompleted(t *testing.T) {
	t.Parallel()
	var counted []string
	var countedTags cistatsd.Tags
	var got *cistatsd.Event
	client := &fixtures.MockClient{
		TB: t,
		FnIncrementCounter: func(name, hostname string, tags cistatsd.TagMap) {
			counted = append(counted, name+"@"+hostname)
			countedTags = tags.ToTags()
		},
		FnSendEvent: func(ctx context.Context, e *cistatsd.Event) error {
			got = e
			return nil
		},
	}
	traces := tracecache.New(10, time.Hour, quietLogger(t))
	traces.Put("b-7", tracecache.Span{TraceID: "1"})
	s := newTestServer(t, Ingress{Source: fixtures.StaticSource{C: client}, Traces: traces})

	rec := do(s, "POST", "/v1/build", `{"build_id":"b-7","job":"deploy","number":7,"result":"FAILURE","host":"ci1","duration_ms":1500,"tags":{"team":["infra"]}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, []string{"jenkins.job.completed@ci1"}, counted)
	require.Equal(t, cistatsd.Tags{"job:deploy", "result:FAILURE", "team:infra"}, countedTags)
	require.NotNil(t, got)
	require.Contains(t, got.Tags.ToTags(), "event_type:default")
	require.Equal(t, "deploy build #7 failure on ci1", got.Title)
	require.Equal(t, cistatsd.AlertError, got.AlertType)
	_, ok := traces.Get("b-7")
	require.False(t, ok)
}
