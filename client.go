package cistatsd

import (
	"context"
	"fmt"
	"strings"
)

// ClientType selects the backend transport.
type ClientType byte

const (
	// ClientHTTP submits to the Datadog HTTP API as JSON.
	ClientHTTP ClientType = iota
	// ClientDogStatsD sends UDP datagrams to a DogStatsD agent.
	ClientDogStatsD
)

func (t ClientType) String() string {
	switch t {
	case ClientDogStatsD:
		return "DOGSTATSD"
	default:
		return "HTTP"
	}
}

// ParseClientType parses the textual client type, ignoring case.
func ParseClientType(s string) (ClientType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "HTTP":
		return ClientHTTP, nil
	case "DOGSTATSD":
		return ClientDogStatsD, nil
	default:
		return 0, &ConfigurationError{Field: "client type", Message: fmt.Sprintf("%q is not one of HTTP or DOGSTATSD", s)}
	}
}

// Secret is a string which is never rendered by the fmt package.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "*****"
}

// GoString implements fmt.GoStringer so %#v doesn't leak it either.
func (s Secret) GoString() string {
	return s.String()
}

// Plain returns the secret value.
func (s Secret) Plain() string {
	return string(s)
}

// ClientParams are the resolved connection parameters of a client.  Two
// clients built from equal params are interchangeable.
type ClientParams struct {
	Type         ClientType
	APIURL       string
	APIKey       Secret
	LogIntakeURL string
	Host         string
	Port         int
	LogPort      int
}

// CounterBatch collects the counters of one flush cycle for a client.
// Add may submit immediately or buffer until Send, depending on the client.
// An error from Add only concerns that counter.
type CounterBatch interface {
	Add(name, hostname string, tags Tags, value int64) error
	Send(ctx context.Context) []error
}

// Client is the capability set shared by every backend transport.
type Client interface {
	// Type returns the transport of the client.
	Type() ClientType
	// Validate checks credentials and reachability.  It returns false when
	// the backend rejects or can't be reached, and a ConfigurationError when
	// the parameters are malformed.
	Validate(ctx context.Context) (bool, error)
	// IncrementCounter adds one to a counter.  Counters are aggregated in
	// memory and submitted by the next flush cycle.
	IncrementCounter(name, hostname string, tags TagMap)
	// NewCounterBatch starts a flush cycle.
	NewCounterBatch() CounterBatch
	// SendEvent sends an event.
	SendEvent(ctx context.Context, e *Event) error
	// SendServiceCheck sends a service check.
	SendServiceCheck(ctx context.Context, sc *ServiceCheck) error
	// SendLogs sends a single JSON encoded log entry.
	SendLogs(ctx context.Context, payload []byte) error
	// Close releases any resources held by the client.
	Close() error
}

// ClientSource returns the currently active Client, or nil if none is configured.
type ClientSource interface {
	Client() Client
}
