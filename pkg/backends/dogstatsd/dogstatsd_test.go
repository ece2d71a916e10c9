package dogstatsd

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atlassian/cistatsd"
	"github.com/atlassian/cistatsd/internal/fixtures"
)

// listen returns a UDP listener on a random localhost port.
func listen(t *testing.T) (net.PacketConn, int) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })
	return pc, pc.LocalAddr().(*net.UDPAddr).Port
}

func receive(t *testing.T, pc net.PacketConn) string {
	buf := make([]byte, 65536)
	require.NoError(t, pc.SetReadDeadline(time.Now().Add(5*time.Second)))
	n, _, err := pc.ReadFrom(buf)
	require.NoError(t, err)
	return string(buf[:n])
}

func newTestClient(t *testing.T, port, logPort int) *Client {
	c, err := NewClient(cistatsd.ClientParams{
		Type:    cistatsd.ClientDogStatsD,
		Host:    "127.0.0.1",
		Port:    port,
		LogPort: logPort,
	}, cistatsd.NewCounterStore(), fixtures.NewTestLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNewClientConfigurationErrors(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name   string
		params cistatsd.ClientParams
		err    string
	}{
		{"blank host", cistatsd.ClientParams{Port: 8125}, "Datadog Target Host is not set properly"},
		{"zero port", cistatsd.ClientParams{Host: "localhost"}, "Datadog Target Port is not set properly"},
		{"negative port", cistatsd.ClientParams{Host: "localhost", Port: -1}, "Datadog Target Port is not set properly"},
		{"negative log port", cistatsd.ClientParams{Host: "localhost", Port: 8125, LogPort: -1}, "Datadog Log Collection Port is not set properly"},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c, err := NewClient(tc.params, nil, fixtures.NewTestLogger(t))
			require.Nil(t, c)
			require.EqualError(t, err, tc.err)
			require.True(t, cistatsd.IsConfigurationError(err))
		})
	}
}

func TestCounterDatagrams(t *testing.T) {
	t.Parallel()

	pc, port := listen(t)
	c := newTestClient(t, port, 0)
	require.Equal(t, cistatsd.ClientDogStatsD, c.Type())

	b := c.NewCounterBatch()
	require.NoError(t, b.Add("jenkins.job.started", "ci1", cistatsd.Tags{"job:a"}, 3))
	require.Equal(t, "jenkins.job.started:3|c|#job:a,host:ci1", receive(t, pc))

	require.NoError(t, b.Add("jenkins.job.started", "", nil, 1))
	require.Equal(t, "jenkins.job.started:1|c", receive(t, pc))

	require.NoError(t, b.Add("jenkins.job.started", "ci1", cistatsd.Tags{"host:other"}, 2))
	require.Equal(t, "jenkins.job.started:2|c|#host:other", receive(t, pc))

	require.Empty(t, b.Send(context.Background()))
}

func TestEventDatagram(t *testing.T) {
	t.Parallel()

	pc, port := listen(t)
	c := newTestClient(t, port, 0)
	ctx, _ := fixtures.NewFixedClock(context.Background(), time.Unix(1000, 0))

	err := c.SendEvent(ctx, &cistatsd.Event{
		Title:          "title",
		Text:           "line1\nline2",
		Host:           "ci1",
		AggregationKey: "key",
		Tags:           cistatsd.TagMap{}.Add("event_type", "system"),
		AlertType:      cistatsd.AlertError,
		Priority:       cistatsd.PriLow,
	})
	require.NoError(t, err)
	require.Equal(t, `_e{5,12}:title|line1\nline2|d:1000|h:ci1|k:key|p:low|t:error|#event_type:system`, receive(t, pc))
}

func TestServiceCheckDatagram(t *testing.T) {
	t.Parallel()

	pc, port := listen(t)
	c := newTestClient(t, port, 0)

	err := c.SendServiceCheck(context.Background(), &cistatsd.ServiceCheck{
		Name:      "jenkins.job.status",
		Status:    cistatsd.StatusWarning,
		Hostname:  "ci1",
		Tags:      cistatsd.TagMap{}.Add("job", "a"),
		Message:   "unstable",
		Timestamp: 55,
	})
	require.NoError(t, err)
	require.Equal(t, "_sc|jenkins.job.status|1|d:55|h:ci1|#job:a|m:unstable", receive(t, pc))
}

func TestSendLogs(t *testing.T) {
	t.Parallel()

	_, port := listen(t)
	logs, logPort := listen(t)
	c := newTestClient(t, port, logPort)

	require.NoError(t, c.SendLogs(context.Background(), []byte(`{"message":"hi"}`)))
	require.Equal(t, "{\"message\":\"hi\"}\n", receive(t, logs))
}

func TestSendLogsDisabled(t *testing.T) {
	t.Parallel()

	_, port := listen(t)
	c := newTestClient(t, port, 0)
	err := c.SendLogs(context.Background(), []byte(`{}`))
	require.True(t, errors.Is(err, ErrLogsDisabled))
	require.True(t, errors.Is(err, cistatsd.ErrLogsDisabled))
}

func TestIncrementCounterUsesStore(t *testing.T) {
	t.Parallel()

	_, port := listen(t)
	store := cistatsd.NewCounterStore()
	c, err := NewClient(cistatsd.ClientParams{Host: "127.0.0.1", Port: port}, store, fixtures.NewTestLogger(t))
	require.NoError(t, err)
	defer c.Close()

	c.IncrementCounter("n", "", cistatsd.TagMap{}.Add("a", "1"))
	require.Equal(t, cistatsd.Counts{cistatsd.NewCounterKey("n", "", cistatsd.Tags{"a:1"}): 1}, store.GetAndReset())
}

func TestValidateAndClose(t *testing.T) {
	t.Parallel()

	_, port := listen(t)
	c := newTestClient(t, port, 0)

	ok, err := c.Validate(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	err = c.NewCounterBatch().Add("a", "", nil, 1)
	require.True(t, cistatsd.IsTransportError(err))
}
