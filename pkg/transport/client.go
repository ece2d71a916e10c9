package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/atlassian/cistatsd/pkg/util"
)

// Client wraps an http.Client with the headers and retry policy of its transport.
// The underlying Client is exposed for callers that need a plain http.Client.
type Client struct {
	logger        logrus.FieldLogger
	userAgent     string
	customHeaders map[string]string
	backoff       util.BackoffFactory

	Client *http.Client
}

// StatusError is returned when the server answers with a non 2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("received bad status code %d", e.StatusCode)
}

// Request describes a single HTTP call.
type Request struct {
	Method      string
	URL         string
	ContentType string
	Encoding    string
	Headers     map[string]string
	Body        []byte
}

// Do performs req, retrying according to the transport retry policy.  The last
// error is returned if every attempt failed.
func (hc *Client) Do(ctx context.Context, req Request) error {
	return util.Retry(ctx, hc.backoff, func() error {
		status, err := hc.once(ctx, req)
		if err != nil {
			return err
		}
		if status < 200 || status >= 300 {
			return &StatusError{StatusCode: status}
		}
		return nil
	}, func(err error, next time.Duration) {
		hc.logger.WithError(err).WithField("retry-in", next).Warn("failed to send, retrying")
	})
}

// PostJSON encodes payload and POSTs it to url.
func (hc *Client) PostJSON(ctx context.Context, url string, headers map[string]string, payload interface{}) error {
	body, err := MarshalJSON(payload)
	if err != nil {
		return fmt.Errorf("unable to marshal: %v", err)
	}
	return hc.Do(ctx, Request{
		Method:      http.MethodPost,
		URL:         url,
		ContentType: "application/json",
		Headers:     headers,
		Body:        body,
	})
}

// Get performs a single GET without retrying and returns the status code.
func (hc *Client) Get(ctx context.Context, url string, headers map[string]string) (int, error) {
	return hc.once(ctx, Request{Method: http.MethodGet, URL: url, Headers: headers})
}

func (hc *Client) once(ctx context.Context, r Request) (int, error) {
	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		return 0, fmt.Errorf("unable to create http.Request: %v", err)
	}

	if r.ContentType != "" {
		req.Header.Set("Content-Type", r.ContentType)
	}
	if r.Encoding != "" {
		req.Header.Set("Content-Encoding", r.Encoding)
	}
	req.Header.Set("User-Agent", hc.userAgent)

	for key, value := range r.Headers {
		req.Header.Set(key, value)
	}

	// Custom headers always win, an empty value deletes the header.
	for key, value := range hc.customHeaders {
		if value == "" {
			req.Header.Del(key)
		} else {
			req.Header.Set(key, value)
		}
	}

	resp, err := hc.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("error sending %s: %v", r.Method, err)
	}
	defer consumeAndClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyStart, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		hc.logger.WithFields(logrus.Fields{
			"status": resp.StatusCode,
			"body":   string(bodyStart),
		}).Debug("failed request")
	}
	return resp.StatusCode, nil
}
