package event

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-medlink/frame"
)

func newTestInterpreter(t *testing.T, layout Layout) *Interpreter {
	t.Helper()
	in, err := NewInterpreter(layout)
	require.NoError(t, err)

	return in
}

func samplesFrame(t *testing.T, layout Layout, seq uint32, channels int, values []float64) frame.Frame {
	t.Helper()
	payload, err := SamplesPayload(layout, time.Second, 4*time.Millisecond, channels, values)
	require.NoError(t, err)

	return frame.Frame{Type: frame.TypeSamples, Seq: seq, Payload: payload, IntegrityOK: true, ReceivedAt: time.Unix(10, 0)}
}

func TestInterpret_SampleBatchFormats(t *testing.T) {
	values := []float64{1, -2, 3, -4, 5, -6}

	tests := []struct {
		name   string
		layout Layout
	}{
		{"float32 big endian", Layout{Format: FormatFloat32}},
		{"float32 little endian", Layout{Format: FormatFloat32, Order: LittleEndian}},
		{"int16", Layout{Format: FormatInt16}},
		{"int24 big endian", Layout{Format: FormatInt24}},
		{"int24 little endian", Layout{Format: FormatInt24, Order: LittleEndian}},
		{"int32", Layout{Format: FormatInt32, Order: LittleEndian}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require := require.New(t)

			in := newTestInterpreter(t, tt.layout)
			ev := in.Interpret(samplesFrame(t, tt.layout, 5, 2, values))

			batch, ok := ev.(SampleBatch)
			require.True(ok, "got %#v", ev)
			require.Equal(KindSampleBatch, batch.Kind())
			require.Equal(uint32(5), batch.Sequence())
			require.Equal(time.Second, batch.DeviceTime)
			require.Equal(4*time.Millisecond, batch.Period)
			require.Equal(2, batch.Channels)
			require.Equal(time.Unix(10, 0), batch.Received())
			require.Len(batch.Samples, 6)

			for i, s := range batch.Samples {
				require.Equal(uint16(i%2), s.Channel)
				require.InDelta(values[i], s.Value, 1e-6)
				require.Equal(time.Second+time.Duration(i/2)*4*time.Millisecond, s.Timestamp)
			}
		})
	}
}

func TestInterpret_ScaleOffset(t *testing.T) {
	require := require.New(t)

	layout := Layout{
		Format: FormatInt24,
		Channels: []ChannelLayout{
			{Label: "Fp1", Scale: 0.5, Offset: 10},
			{Label: "Fp2"},
		},
	}
	in := newTestInterpreter(t, layout)

	// raw values on the wire: (20-10)/0.5=20 and 7
	ev := in.Interpret(samplesFrame(t, layout, 1, 3, []float64{20, 7, -3}))
	batch, ok := ev.(SampleBatch)
	require.True(ok)
	require.InDelta(20, batch.Samples[0].Value, 1e-9)
	require.InDelta(7, batch.Samples[1].Value, 1e-9)
	require.InDelta(-3, batch.Samples[2].Value, 1e-9)

	require.Equal([]string{"Fp1", "Fp2", "ch3"}, layout.Labels(3))
}

func TestInterpret_Int24SignExtension(t *testing.T) {
	require := require.New(t)

	payload := []byte{
		// device time, period, channels, count
		0, 0, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0,
		1,
		0, 3,
		0x7F, 0xFF, 0xFF,
		0x80, 0x00, 0x00,
		0xFF, 0xFF, 0xFF,
	}
	in := newTestInterpreter(t, Layout{Format: FormatInt24})
	batch, ok := in.Interpret(frame.Frame{Type: frame.TypeSamples, Payload: payload}).(SampleBatch)
	require.True(ok)
	require.Equal(float64(8388607), batch.Samples[0].Value)
	require.Equal(float64(-8388608), batch.Samples[1].Value)
	require.Equal(float64(-1), batch.Samples[2].Value)
}

func TestInterpret_MalformedSamples(t *testing.T) {
	layout := Layout{Format: FormatInt16}
	valid := samplesFrame(t, layout, 3, 2, []float64{1, 2, 3, 4})

	tests := []struct {
		name    string
		payload []byte
		layout  Layout
	}{
		{"short header", valid.Payload[:10], layout},
		{"missing data byte", valid.Payload[:len(valid.Payload)-1], layout},
		{"extra data byte", append(append([]byte{}, valid.Payload...), 0), layout},
		{"strict channel count", valid.Payload, Layout{Format: FormatInt16, StrictChannels: true, Channels: []ChannelLayout{{}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := newTestInterpreter(t, tt.layout)
			ev := in.Interpret(frame.Frame{Type: frame.TypeSamples, Seq: 3, Payload: tt.payload})

			fault, ok := ev.(FaultNotice)
			require.True(t, ok, "got %#v", ev)
			assert.Equal(t, FaultMalformedPayload, fault.Code)
			assert.Equal(t, uint32(3), fault.Seq)
			assert.NotEmpty(t, fault.Detail)
		})
	}
}

func TestInterpret_ControlFrames(t *testing.T) {
	in := newTestInterpreter(t, DefaultLayout())

	t.Run("heartbeat", func(t *testing.T) {
		ev := in.Interpret(frame.Frame{Type: frame.TypeHeartbeat, Seq: 8, Payload: HeartbeatPayload(3 * time.Second)})
		hb, ok := ev.(Heartbeat)
		require.True(t, ok)
		assert.Equal(t, 3*time.Second, hb.DeviceTime)
		assert.Equal(t, KindHeartbeat, hb.Kind())
	})

	t.Run("status", func(t *testing.T) {
		ev := in.Interpret(frame.Frame{Type: frame.TypeStatus, Seq: 9, Payload: StatusPayload(StatusImpedance)})
		st, ok := ev.(StatusChange)
		require.True(t, ok)
		assert.Equal(t, StatusImpedance, st.Status)
		assert.Equal(t, "impedance", st.Status.String())
	})

	t.Run("device fault", func(t *testing.T) {
		ev := in.Interpret(frame.Frame{Type: frame.TypeFault, Seq: 10, Payload: FaultPayload(0x0102)})
		fault, ok := ev.(FaultNotice)
		require.True(t, ok)
		assert.Equal(t, FaultDevice, fault.Code)
		assert.Equal(t, uint16(0x0102), fault.DeviceCode)
	})

	t.Run("unknown type", func(t *testing.T) {
		ev := in.Interpret(frame.Frame{Type: frame.Type(0x42), Seq: 11})
		fault, ok := ev.(FaultNotice)
		require.True(t, ok)
		assert.Equal(t, FaultUnknownFrameType, fault.Code)
		assert.Equal(t, frame.Type(0x42), fault.FrameType)
	})

	t.Run("impedance", func(t *testing.T) {
		payload, err := ImpedancePayload([]float64{5000, math.NaN(), 12500.5})
		require.NoError(t, err)

		ev := in.Interpret(frame.Frame{Type: frame.TypeImpedance, Seq: 12, Payload: payload})
		rep, ok := ev.(ImpedanceReport)
		require.True(t, ok)
		assert.Equal(t, KindImpedance, rep.Kind())
		assert.Equal(t, uint32(12), rep.Sequence())
		require.Len(t, rep.Values, 3)
		assert.InDelta(t, 5000, rep.Values[0], 1e-3)
		assert.True(t, math.IsNaN(rep.Values[1]))
		assert.InDelta(t, 12500.5, rep.Values[2], 1e-3)
	})

	t.Run("command from device", func(t *testing.T) {
		ev := in.Interpret(frame.Frame{Type: frame.TypeCommand, Seq: 13, Payload: CommandPayload(StatusTest)})
		fault, ok := ev.(FaultNotice)
		require.True(t, ok)
		assert.Equal(t, FaultUnexpectedCommand, fault.Code)
	})

	malformed := []frame.Frame{
		{Type: frame.TypeHeartbeat, Payload: []byte{1, 2, 3}},
		{Type: frame.TypeStatus, Payload: []byte{1, 2}},
		{Type: frame.TypeStatus, Payload: []byte{9}},
		{Type: frame.TypeFault, Payload: []byte{1}},
		{Type: frame.TypeImpedance, Payload: []byte{}},
		{Type: frame.TypeImpedance, Payload: []byte{2, 0, 0, 0, 0}},
	}
	for i, f := range malformed {
		t.Run(fmt.Sprintf("malformed %s #%d", f.Type, i), func(t *testing.T) {
			fault, ok := in.Interpret(f).(FaultNotice)
			require.True(t, ok)
			assert.Equal(t, FaultMalformedPayload, fault.Code)
		})
	}
}

func TestLayout_Validate(t *testing.T) {
	require := require.New(t)

	require.NoError(DefaultLayout().Validate())
	require.NoError(ADS1299Layout(8).Validate())
	require.ErrorIs(Layout{Format: SampleFormat(9)}.Validate(), ErrInvalidLayout)
	require.ErrorIs(Layout{Order: ByteOrder(5)}.Validate(), ErrInvalidLayout)
	require.ErrorIs(Layout{StrictChannels: true}.Validate(), ErrInvalidLayout)

	_, err := NewInterpreter(Layout{Format: SampleFormat(9)})
	require.Error(err)

	f, err := ParseSampleFormat("int24")
	require.NoError(err)
	require.Equal(FormatInt24, f)
	_, err = ParseSampleFormat("int8")
	require.ErrorIs(err, ErrInvalidLayout)
}

func TestSamplesPayload_Errors(t *testing.T) {
	_, err := SamplesPayload(DefaultLayout(), 0, 0, 0, nil)
	require.ErrorIs(t, err, ErrInvalidLayout)

	_, err = SamplesPayload(DefaultLayout(), 0, 0, 2, []float64{1, 2, 3})
	require.ErrorIs(t, err, ErrInvalidLayout)
}

func TestParseCommand(t *testing.T) {
	require := require.New(t)

	mode, err := ParseCommand(frame.Frame{Type: frame.TypeCommand, Payload: CommandPayload(StatusImpedance)})
	require.NoError(err)
	require.Equal(StatusImpedance, mode)

	_, err = ParseCommand(frame.Frame{Type: frame.TypeStatus, Payload: []byte{1}})
	require.ErrorIs(err, ErrInvalidCommand)
	_, err = ParseCommand(frame.Frame{Type: frame.TypeCommand, Payload: []byte{1, 2}})
	require.ErrorIs(err, ErrInvalidCommand)
	_, err = ParseCommand(frame.Frame{Type: frame.TypeCommand, Payload: []byte{42}})
	require.ErrorIs(err, ErrInvalidCommand)
}

func TestImpedancePayload_Errors(t *testing.T) {
	_, err := ImpedancePayload(nil)
	require.ErrorIs(t, err, ErrInvalidLayout)
	_, err = ImpedancePayload(make([]float64, 256))
	require.ErrorIs(t, err, ErrInvalidLayout)
}

func TestParseDeviceStatus(t *testing.T) {
	for st := StatusIdle; st <= StatusTest; st++ {
		got, ok := ParseDeviceStatus(st.String())
		require.True(t, ok)
		require.Equal(t, st, got)
	}

	_, ok := ParseDeviceStatus("status(9)")
	require.False(t, ok)
}
