package datadog

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/tilinna/clock"

	"github.com/atlassian/cistatsd"
	"github.com/atlassian/cistatsd/pkg/transport"
	"github.com/atlassian/cistatsd/pkg/util"
)

const (
	// BackendName is the name of this backend.
	BackendName = "datadog"

	DefaultAPIURL       = "https://api.datadoghq.com/api/"
	DefaultLogIntakeURL = "https://http-intake.logs.datadoghq.com/v1/input/"

	defaultMetricsPerBatch = 1000
	defaultMaxRequests     = 10
	defaultCompressPayload = true
	defaultInterval        = 10 * time.Second
	defaultTransport       = "default"

	paramMetricsPerBatch = "metrics-per-batch"
	paramMaxRequests     = "max-requests"
	paramCompressPayload = "compress-payload"
	paramInterval        = "flush-interval"
	paramTransport       = "transport"

	sourceTypeName = "jenkins"
	redacted       = "*****"
)

// Options tune the HTTP client independently of the connection parameters.
type Options struct {
	MetricsPerBatch uint
	MaxRequests     uint
	CompressPayload bool
	// Interval is reported with every series, it should match the flush cadence.
	Interval  time.Duration
	Transport string
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		MetricsPerBatch: defaultMetricsPerBatch,
		MaxRequests:     defaultMaxRequests,
		CompressPayload: defaultCompressPayload,
		Interval:        defaultInterval,
		Transport:       defaultTransport,
	}
}

// OptionsFromViper reads the options from the datadog section of v.
func OptionsFromViper(v *viper.Viper) Options {
	dd := util.GetSubViper(v, BackendName)
	dd.SetDefault(paramMetricsPerBatch, defaultMetricsPerBatch)
	dd.SetDefault(paramMaxRequests, defaultMaxRequests)
	dd.SetDefault(paramCompressPayload, defaultCompressPayload)
	dd.SetDefault(paramInterval, defaultInterval)
	dd.SetDefault(paramTransport, defaultTransport)

	return Options{
		MetricsPerBatch: uint(dd.GetInt(paramMetricsPerBatch)),
		MaxRequests:     uint(dd.GetInt(paramMaxRequests)),
		CompressPayload: dd.GetBool(paramCompressPayload),
		Interval:        dd.GetDuration(paramInterval),
		Transport:       dd.GetString(paramTransport),
	}
}

// Client submits to the Datadog HTTP API.
type Client struct {
	apiURL       string // always ends with a slash
	apiKey       string
	logIntakeURL string

	store           *cistatsd.CounterStore
	metricsPerBatch uint
	compressPayload bool
	intervalSec     float64
	requestSem      util.Semaphore

	logger logrus.FieldLogger
	client *transport.Client
}

var _ cistatsd.Client = (*Client)(nil)

// NewClient validates params and returns a Client which increments counters in store.
func NewClient(params cistatsd.ClientParams, store *cistatsd.CounterStore, opts Options, logger logrus.FieldLogger, pool *transport.TransportPool) (*Client, error) {
	apiURL, err := checkURL("Target URL", params.APIURL)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(params.APIKey.Plain()) == "" {
		return nil, cistatsd.NewConfigurationError("API Key")
	}
	logIntakeURL := DefaultLogIntakeURL
	if strings.TrimSpace(params.LogIntakeURL) != "" {
		if logIntakeURL, err = checkURL("Log Intake URL", params.LogIntakeURL); err != nil {
			return nil, err
		}
	}
	if opts.MetricsPerBatch == 0 {
		return nil, fmt.Errorf("[%s] %s must be positive", BackendName, paramMetricsPerBatch)
	}
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("[%s] %s must be positive", BackendName, paramInterval)
	}
	if opts.Transport == "" {
		opts.Transport = defaultTransport
	}
	if store == nil {
		store = cistatsd.NewCounterStore()
	}

	httpClient, err := pool.Get(opts.Transport)
	if err != nil {
		return nil, err
	}

	logger = logger.WithField("backend", BackendName)
	logger.WithFields(logrus.Fields{
		"api-url":            apiURL,
		"log-intake-url":     logIntakeURL,
		paramMetricsPerBatch: opts.MetricsPerBatch,
		paramMaxRequests:     opts.MaxRequests,
		paramCompressPayload: opts.CompressPayload,
		paramInterval:        opts.Interval,
		paramTransport:       opts.Transport,
	}).Info("created client")

	return &Client{
		apiURL:          apiURL,
		apiKey:          params.APIKey.Plain(),
		logIntakeURL:    logIntakeURL,
		store:           store,
		metricsPerBatch: opts.MetricsPerBatch,
		compressPayload: opts.CompressPayload,
		intervalSec:     opts.Interval.Seconds(),
		requestSem:      util.NewSemaphore(int(opts.MaxRequests)),
		logger:          logger,
		client:          httpClient,
	}, nil
}

// checkURL requires an absolute http or https URL and returns it with a trailing slash.
func checkURL(field, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", cistatsd.NewConfigurationError(field)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", &cistatsd.ConfigurationError{Field: field, Message: "must be of the form <http|https>://<url>/"}
	}
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	return raw, nil
}

func (c *Client) Type() cistatsd.ClientType {
	return cistatsd.ClientHTTP
}

// Validate checks the API key against the validate endpoint.
func (c *Client) Validate(ctx context.Context) (bool, error) {
	status, err := c.client.Get(ctx, c.authenticatedURL("v1/validate"), nil)
	if err != nil {
		c.logger.WithError(c.redact(err)).Warn("failed to validate api key")
		return false, nil
	}
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		c.logger.WithField("status", status).Warn("api key rejected")
		return false, nil
	}
	return true, nil
}

func (c *Client) IncrementCounter(name, hostname string, tags cistatsd.TagMap) {
	c.store.Increment(name, hostname, tags.ToTags())
}

func (c *Client) NewCounterBatch() cistatsd.CounterBatch {
	return &counterBatch{
		client: c,
		current: &timeSeries{
			Series: make([]metric, 0, c.metricsPerBatch),
		},
	}
}

// event represents an event data structure for Datadog.
type event struct {
	Title          string   `json:"title"`
	Text           string   `json:"text"`
	DateHappened   int64    `json:"date_happened,omitempty"`
	Hostname       string   `json:"host,omitempty"`
	AggregationKey string   `json:"aggregation_key,omitempty"`
	SourceTypeName string   `json:"source_type_name,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	Priority       string   `json:"priority,omitempty"`
	AlertType      string   `json:"alert_type,omitempty"`
}

// SendEvent sends an event to Datadog.
func (c *Client) SendEvent(ctx context.Context, e *cistatsd.Event) error {
	date := e.Date
	if date == 0 {
		date = clock.FromContext(ctx).Now().Unix()
	}
	return c.post(ctx, c.authenticatedURL("v1/events"), "events", false, &event{
		Title:          e.Title,
		Text:           e.Text,
		DateHappened:   date,
		Hostname:       e.Host,
		AggregationKey: e.AggregationKey,
		SourceTypeName: sourceTypeName,
		Tags:           e.Tags.ToTags(),
		Priority:       e.Priority.String(),
		AlertType:      e.AlertType.String(),
	})
}

// checkRun represents a service check data structure for Datadog.
type checkRun struct {
	Check     string   `json:"check"`
	HostName  string   `json:"host_name,omitempty"`
	Timestamp int64    `json:"timestamp"`
	Status    int      `json:"status"`
	Message   string   `json:"message,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

// SendServiceCheck sends a service check to Datadog.
func (c *Client) SendServiceCheck(ctx context.Context, sc *cistatsd.ServiceCheck) error {
	ts := sc.Timestamp
	if ts == 0 {
		ts = clock.FromContext(ctx).Now().Unix()
	}
	return c.post(ctx, c.authenticatedURL("v1/check_run"), "service checks", false, &checkRun{
		Check:     sc.Name,
		HostName:  sc.Hostname,
		Timestamp: ts,
		Status:    int(sc.Status),
		Message:   sc.Message,
		Tags:      sc.Tags.ToTags(),
	})
}

// SendLogs posts an encoded log entry to the log intake.
func (c *Client) SendLogs(ctx context.Context, payload []byte) error {
	err := c.client.Do(ctx, transport.Request{
		Method:      http.MethodPost,
		URL:         c.logIntakeURL,
		ContentType: "application/json",
		Headers:     map[string]string{"DD-API-KEY": c.apiKey},
		Body:        payload,
	})
	if err != nil {
		return &cistatsd.TransportError{Op: "logs", Err: c.redact(err)}
	}
	return nil
}

// Close is a no-op, connections belong to the transport pool.
func (c *Client) Close() error {
	return nil
}

func (c *Client) post(ctx context.Context, url, typeOfPost string, compress bool, data interface{}) error {
	body, err := transport.MarshalJSON(data)
	if err != nil {
		return &cistatsd.TransportError{Op: typeOfPost, Err: err}
	}
	encoding := ""
	if compress {
		if body, err = transport.Compress(body); err != nil {
			return &cistatsd.TransportError{Op: typeOfPost, Err: err}
		}
		encoding = "deflate"
	}

	err = c.client.Do(ctx, transport.Request{
		Method:      http.MethodPost,
		URL:         url,
		ContentType: "application/json",
		Encoding:    encoding,
		Body:        body,
	})
	if err != nil {
		return &cistatsd.TransportError{Op: typeOfPost, Err: c.redact(err)}
	}
	return nil
}

func (c *Client) authenticatedURL(path string) string {
	q := url.Values{
		"api_key": []string{c.apiKey},
	}
	return fmt.Sprintf("%s%s?%s", c.apiURL, path, q.Encode())
}

// redact removes the api key from err, both raw and query escaped.
func (c *Client) redact(err error) error {
	msg := strings.ReplaceAll(err.Error(), url.QueryEscape(c.apiKey), redacted)
	msg = strings.ReplaceAll(msg, c.apiKey, redacted)
	if msg == err.Error() {
		return err
	}
	return errors.New(msg)
}

// counterBatch buffers the series of one flush cycle, split in chunks of at
// most metricsPerBatch entries.
type counterBatch struct {
	client  *Client
	chunks  []*timeSeries
	current *timeSeries
}

func (b *counterBatch) Add(name, hostname string, tags cistatsd.Tags, value int64) error {
	if len(b.current.Series) >= int(b.client.metricsPerBatch) {
		b.chunks = append(b.chunks, b.current)
		b.current = &timeSeries{
			Series: make([]metric, 0, b.client.metricsPerBatch),
		}
	}
	b.current.addMetric(counter, float64(value), hostname, tags, name, b.client.intervalSec)
	return nil
}

// Send posts every chunk, concurrently up to max-requests at a time, and
// returns a BatchError for every chunk which failed.
func (b *counterBatch) Send(ctx context.Context) []error {
	if len(b.current.Series) > 0 {
		b.chunks = append(b.chunks, b.current)
	}
	b.current = &timeSeries{}
	chunks := b.chunks
	b.chunks = nil
	if len(chunks) == 0 {
		return nil
	}

	now := float64(clock.FromContext(ctx).Now().Unix())
	for _, ts := range chunks {
		ts.stamp(now)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	fail := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}
	for _, ts := range chunks {
		if !b.client.requestSem.Acquire(ctx) {
			fail(&cistatsd.BatchError{
				Counters: len(ts.Series),
				Err:      &cistatsd.TransportError{Op: "metrics", Err: ctx.Err()},
			})
			continue
		}
		wg.Add(1)
		go func(ts *timeSeries) {
			defer wg.Done()
			defer b.client.requestSem.Release()
			if err := b.client.post(ctx, b.client.authenticatedURL("v1/series"), "metrics", b.client.compressPayload, ts); err != nil {
				fail(&cistatsd.BatchError{Counters: len(ts.Series), Err: err})
			}
		}(ts)
	}
	wg.Wait()
	return errs
}
