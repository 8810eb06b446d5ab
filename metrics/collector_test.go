package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-medlink/logger"
	"github.com/arloliu/go-medlink/session"
	"github.com/arloliu/go-medlink/source"
)

func TestCollector(t *testing.T) {
	require := require.New(t)

	var m session.Metrics
	m.BytesRead.Add(128)
	m.FrameErrors.Add(3)
	m.Reconnects.Add(1)
	m.ConnRetryGauge.Store(2)

	c := NewCollector("", "abc", &m)
	reg := prometheus.NewPedanticRegistry()
	require.NoError(reg.Register(c))

	require.Equal(17, testutil.CollectAndCount(c))

	expected := `
# HELP medlink_session_frame_errors_total Framing errors.
# TYPE medlink_session_frame_errors_total counter
medlink_session_frame_errors_total{session="abc"} 3
# HELP medlink_session_reconnect_attempts Reconnect attempts in the current reconnect cycle.
# TYPE medlink_session_reconnect_attempts gauge
medlink_session_reconnect_attempts{session="abc"} 2
`
	require.NoError(testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"medlink_session_frame_errors_total", "medlink_session_reconnect_attempts"))

	m.FrameErrors.Add(1)
	require.NoError(testutil.GatherAndCompare(reg, strings.NewReader(strings.Replace(expected, "} 3", "} 4", 1)),
		"medlink_session_frame_errors_total", "medlink_session_reconnect_attempts"))
}

func TestForSession(t *testing.T) {
	require := require.New(t)

	dialer := source.DialFunc(func(context.Context) (source.ByteSource, error) {
		return nil, source.ErrDisconnected
	})
	cfg, err := session.NewConfig(dialer, session.WithLogger(logger.NewMockLogger().AllowAll()))
	require.NoError(err)
	s, err := session.New(context.Background(), cfg)
	require.NoError(err)
	defer func() { _ = s.Stop() }()

	c := ForSession("eeg", s)
	reg := prometheus.NewRegistry()
	require.NoError(reg.Register(c))

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(err)

	require.Contains(string(body), `eeg_session_state{session="`+s.ID()+`"} 0`)
	require.Contains(string(body), "eeg_session_bytes_read_total")
}
