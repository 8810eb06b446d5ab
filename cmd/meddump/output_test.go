package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/arloliu/go-medlink/event"
	"github.com/arloliu/go-medlink/session"
	"github.com/arloliu/go-medlink/simulator"
)

func samples(channels, instants int) []event.Sample {
	out := make([]event.Sample, 0, channels*instants)
	for i := range instants {
		for ch := range channels {
			out = append(out, event.Sample{
				Channel:   uint16(ch), //nolint:gosec // small test values
				Value:     float64(i*10 + ch),
				Timestamp: time.Duration(i) * 4 * time.Millisecond,
			})
		}
	}

	return out
}

func TestTextWriter(t *testing.T) {
	require := require.New(t)

	var buf bytes.Buffer
	w, err := newSampleWriter(formatText, &buf)
	require.NoError(err)

	require.NoError(w.WriteHeader([]string{"Fp1", "Fp2"}))
	for _, s := range samples(2, 2) {
		require.NoError(w.WriteSample(s))
	}
	// a partial row is written on Flush
	require.NoError(w.WriteSample(event.Sample{Channel: 0, Value: 20, Timestamp: 8 * time.Millisecond}))
	require.NoError(w.Flush())

	require.Equal(
		"# time\tFp1\tFp2\n"+
			"0.000000\t0.000000\t1.000000\n"+
			"0.004000\t10.000000\t11.000000\n"+
			"0.008000\t20.000000\n",
		buf.String())
}

func TestMsgpackWriter(t *testing.T) {
	require := require.New(t)

	var buf bytes.Buffer
	w, err := newSampleWriter(formatMsgpack, &buf)
	require.NoError(err)

	require.NoError(w.WriteHeader([]string{"ch1"}))
	for _, s := range samples(1, 3) {
		require.NoError(w.WriteSample(s))
	}
	require.NoError(w.Flush())

	dec := msgpack.NewDecoder(&buf)
	var h header
	require.NoError(dec.Decode(&h))
	require.Equal([]string{"ch1"}, h.Channels)

	var recs []record
	for range 3 {
		var r record
		require.NoError(dec.Decode(&r))
		recs = append(recs, r)
	}
	require.Equal(record{TimestampUS: 8000, Channel: 0, Value: 20}, recs[2])
}

func TestNewSampleWriter_UnknownFormat(t *testing.T) {
	_, err := newSampleWriter("csv", &bytes.Buffer{})
	require.Error(t, err)
}

func TestDump_Simulator(t *testing.T) {
	require := require.New(t)

	dev, err := simulator.New(simulator.WithChannels(3), simulator.WithPeriod(time.Millisecond), simulator.WithBatchSize(4))
	require.NoError(err)
	defer dev.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := session.Start(ctx, dev.Dialer())
	require.NoError(err)
	defer func() { _ = sess.Stop() }()

	var buf bytes.Buffer
	out := newTextWriter(&buf)
	require.NoError(dump(ctx, sess, out, 12))
	require.NoError(out.Flush())

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(lines, 5)
	require.Equal("# time\tch1\tch2\tch3", string(lines[0]))
	require.Len(bytes.Split(lines[1], []byte("\t")), 4)
}

func TestMeasureImpedance(t *testing.T) {
	require := require.New(t)

	dev, err := simulator.New(
		simulator.WithChannels(3),
		simulator.WithImpedanceChannels(2),
		simulator.WithPeriod(time.Millisecond),
	)
	require.NoError(err)
	defer dev.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := session.Start(ctx, dev.Dialer())
	require.NoError(err)
	defer func() { _ = sess.Stop() }()

	var buf bytes.Buffer
	require.NoError(measureImpedance(ctx, sess, &buf))
	require.Equal("ch1\t5000\nch2\t5250\nch3\tn/a\n", buf.String())
	require.EqualValues(2, sess.Metrics().CommandsSent.Load())
}
