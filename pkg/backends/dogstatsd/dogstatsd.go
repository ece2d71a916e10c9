package dogstatsd

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/tilinna/clock"

	"github.com/atlassian/cistatsd"
)

// BackendName is the name of this backend.
const BackendName = "dogstatsd"

// ErrLogsDisabled is returned by SendLogs when no log collection port is configured.
var ErrLogsDisabled = cistatsd.ErrLogsDisabled

// Client sends DogStatsD datagrams over UDP, one datagram per metric.
type Client struct {
	addr    string
	logAddr string // empty when log collection is disabled

	store  *cistatsd.CounterStore
	logger logrus.FieldLogger

	mu      sync.Mutex
	conn    net.Conn
	logConn net.Conn
	closed  bool
}

var _ cistatsd.Client = (*Client)(nil)

// NewClient validates params and dials the agent.
func NewClient(params cistatsd.ClientParams, store *cistatsd.CounterStore, logger logrus.FieldLogger) (*Client, error) {
	host := strings.TrimSpace(params.Host)
	if host == "" {
		return nil, cistatsd.NewConfigurationError("Target Host")
	}
	if params.Port <= 0 || params.Port > 65535 {
		return nil, cistatsd.NewConfigurationError("Target Port")
	}
	if params.LogPort < 0 || params.LogPort > 65535 {
		return nil, cistatsd.NewConfigurationError("Log Collection Port")
	}
	if store == nil {
		store = cistatsd.NewCounterStore()
	}

	c := &Client{
		addr:   net.JoinHostPort(host, strconv.Itoa(params.Port)),
		store:  store,
		logger: logger.WithField("backend", BackendName),
	}
	conn, err := net.Dial("udp", c.addr)
	if err != nil {
		return nil, &cistatsd.TransportError{Op: "connect", Err: err}
	}
	c.conn = conn

	if params.LogPort > 0 {
		c.logAddr = net.JoinHostPort(host, strconv.Itoa(params.LogPort))
		logConn, err := net.Dial("udp", c.logAddr)
		if err != nil {
			_ = conn.Close()
			return nil, &cistatsd.TransportError{Op: "connect", Err: err}
		}
		c.logConn = logConn
	}

	c.logger.WithFields(logrus.Fields{
		"address":     c.addr,
		"log-address": c.logAddr,
	}).Info("created client")
	return c, nil
}

func (c *Client) Type() cistatsd.ClientType {
	return cistatsd.ClientDogStatsD
}

// Validate reports whether a socket to the agent can be opened.  UDP is
// connectionless so this can't tell whether anything is listening.
func (c *Client) Validate(ctx context.Context) (bool, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", c.addr)
	if err != nil {
		c.logger.WithError(err).Warn("failed to open socket")
		return false, nil
	}
	_ = conn.Close()
	return true, nil
}

func (c *Client) IncrementCounter(name, hostname string, tags cistatsd.TagMap) {
	c.store.Increment(name, hostname, tags.ToTags())
}

func (c *Client) NewCounterBatch() cistatsd.CounterBatch {
	return counterBatch{client: c}
}

func (c *Client) SendEvent(ctx context.Context, e *cistatsd.Event) error {
	date := e.Date
	if date == 0 {
		date = clock.FromContext(ctx).Now().Unix()
	}
	return c.write(c.conn, "events", formatEvent(e, date))
}

func (c *Client) SendServiceCheck(ctx context.Context, sc *cistatsd.ServiceCheck) error {
	ts := sc.Timestamp
	if ts == 0 {
		ts = clock.FromContext(ctx).Now().Unix()
	}
	return c.write(c.conn, "service checks", formatServiceCheck(sc, ts))
}

// SendLogs sends payload, newline terminated, to the log collection port.
func (c *Client) SendLogs(ctx context.Context, payload []byte) error {
	if c.logConn == nil {
		return ErrLogsDisabled
	}
	line := make([]byte, 0, len(payload)+1)
	line = append(line, payload...)
	line = append(line, '\n')
	return c.write(c.logConn, "logs", line)
}

// Close closes the sockets.  Sends after Close fail.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	err := c.conn.Close()
	if c.logConn != nil {
		if lerr := c.logConn.Close(); err == nil {
			err = lerr
		}
	}
	return err
}

func (c *Client) write(conn net.Conn, op string, datagram []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return &cistatsd.TransportError{Op: op, Err: net.ErrClosed}
	}
	if _, err := conn.Write(datagram); err != nil {
		return &cistatsd.TransportError{Op: op, Err: err}
	}
	return nil
}

// counterBatch writes every counter as soon as it is added.
type counterBatch struct {
	client *Client
}

func (b counterBatch) Add(name, hostname string, tags cistatsd.Tags, value int64) error {
	return b.client.write(b.client.conn, "metrics", formatCounter(name, hostname, tags, value))
}

func (b counterBatch) Send(context.Context) []error {
	return nil
}

// formatCounter renders name:value|c|#tags, adding host:<hostname> unless the
// tags already carry a host.
func formatCounter(name, hostname string, tags cistatsd.Tags, value int64) []byte {
	if hostname != "" && !tags.HasKey(cistatsd.HostTagKey) {
		tags = tags.Concat(cistatsd.Tags{cistatsd.HostTagKey + ":" + hostname})
	}
	var sb strings.Builder
	sb.WriteString(name)
	sb.WriteByte(':')
	sb.WriteString(strconv.FormatInt(value, 10))
	sb.WriteString("|c")
	writeTags(&sb, tags)
	return []byte(sb.String())
}

func formatEvent(e *cistatsd.Event, date int64) []byte {
	title := escape(e.Title)
	text := escape(e.Text)
	var sb strings.Builder
	fmt.Fprintf(&sb, "_e{%d,%d}:%s|%s", len(title), len(text), title, text)
	sb.WriteString("|d:")
	sb.WriteString(strconv.FormatInt(date, 10))
	if e.Host != "" {
		sb.WriteString("|h:")
		sb.WriteString(e.Host)
	}
	if e.AggregationKey != "" {
		sb.WriteString("|k:")
		sb.WriteString(e.AggregationKey)
	}
	sb.WriteString("|p:")
	sb.WriteString(e.Priority.String())
	sb.WriteString("|t:")
	sb.WriteString(e.AlertType.String())
	writeTags(&sb, e.Tags.ToTags())
	return []byte(sb.String())
}

func formatServiceCheck(sc *cistatsd.ServiceCheck, ts int64) []byte {
	var sb strings.Builder
	sb.WriteString("_sc|")
	sb.WriteString(sc.Name)
	sb.WriteByte('|')
	sb.WriteString(strconv.Itoa(int(sc.Status)))
	sb.WriteString("|d:")
	sb.WriteString(strconv.FormatInt(ts, 10))
	if sc.Hostname != "" {
		sb.WriteString("|h:")
		sb.WriteString(sc.Hostname)
	}
	writeTags(&sb, sc.Tags.ToTags())
	// m: must come last.
	if sc.Message != "" {
		sb.WriteString("|m:")
		sb.WriteString(strings.ReplaceAll(escape(sc.Message), "m:", `m\:`))
	}
	return []byte(sb.String())
}

func writeTags(sb *strings.Builder, tags cistatsd.Tags) {
	if len(tags) == 0 {
		return
	}
	sb.WriteString("|#")
	sb.WriteString(tags.String())
}

func escape(s string) string {
	return strings.ReplaceAll(s, "\n", `\n`)
}
