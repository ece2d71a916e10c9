package fixtures

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/atlassian/cistatsd"
)

// MockClient implements cistatsd.Client.  Every method fails the test unless
// the matching Fn is set, except Type, Close and NewCounterBatch.
type MockClient struct {
	TB testing.TB

	FnValidate         func(ctx context.Context) (bool, error)
	FnIncrementCounter func(name, hostname string, tags cistatsd.TagMap)
	FnSendEvent        func(ctx context.Context, e *cistatsd.Event) error
	FnSendServiceCheck func(ctx context.Context, sc *cistatsd.ServiceCheck) error
	FnSendLogs         func(ctx context.Context, payload []byte) error

	// Batch is returned by NewCounterBatch, a fresh RecordingBatch is used when nil.
	Batch cistatsd.CounterBatch

	mu     sync.Mutex
	closed bool
}

var _ cistatsd.Client = (*MockClient)(nil)

func (m *MockClient) Type() cistatsd.ClientType {
	return cistatsd.ClientHTTP
}

func (m *MockClient) Validate(ctx context.Context) (bool, error) {
	if m.FnValidate != nil {
		return m.FnValidate(ctx)
	}
	assert.Fail(m.TB, "Client.Validate must not be called")
	return false, nil
}

func (m *MockClient) IncrementCounter(name, hostname string, tags cistatsd.TagMap) {
	if m.FnIncrementCounter != nil {
		m.FnIncrementCounter(name, hostname, tags)
	} else {
		assert.Fail(m.TB, "Client.IncrementCounter must not be called")
	}
}

func (m *MockClient) NewCounterBatch() cistatsd.CounterBatch {
	if m.Batch != nil {
		return m.Batch
	}
	return &RecordingBatch{}
}

func (m *MockClient) SendEvent(ctx context.Context, e *cistatsd.Event) error {
	if m.FnSendEvent != nil {
		return m.FnSendEvent(ctx, e)
	}
	assert.Fail(m.TB, "Client.SendEvent must not be called")
	return nil
}

func (m *MockClient) SendServiceCheck(ctx context.Context, sc *cistatsd.ServiceCheck) error {
	if m.FnSendServiceCheck != nil {
		return m.FnSendServiceCheck(ctx, sc)
	}
	assert.Fail(m.TB, "Client.SendServiceCheck must not be called")
	return nil
}

func (m *MockClient) SendLogs(ctx context.Context, payload []byte) error {
	if m.FnSendLogs != nil {
		return m.FnSendLogs(ctx, payload)
	}
	assert.Fail(m.TB, "Client.SendLogs must not be called")
	return nil
}

func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *MockClient) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// RecordedCounter is one counter seen by a RecordingBatch.
type RecordedCounter struct {
	Name     string
	Hostname string
	Tags     cistatsd.Tags
	Value    int64
}

// RecordingBatch is a cistatsd.CounterBatch which keeps everything added to it.
// FnAdd, when set, decides the result of Add.  SendErrs is returned by Send.
type RecordingBatch struct {
	FnAdd    func(c RecordedCounter) error
	SendErrs []error

	mu       sync.Mutex
	Counters []RecordedCounter
	Sends    int
}

func (b *RecordingBatch) Add(name, hostname string, tags cistatsd.Tags, value int64) error {
	c := RecordedCounter{Name: name, Hostname: hostname, Tags: tags, Value: value}
	if b.FnAdd != nil {
		if err := b.FnAdd(c); err != nil {
			return err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Counters = append(b.Counters, c)
	return nil
}

func (b *RecordingBatch) Send(ctx context.Context) []error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Sends++
	return b.SendErrs
}

// StaticSource is a cistatsd.ClientSource returning a fixed client.
type StaticSource struct {
	C cistatsd.Client
}

func (s StaticSource) Client() cistatsd.Client {
	return s.C
}
