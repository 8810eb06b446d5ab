package simulator

import (
	"math"
	"time"

	"github.com/arloliu/go-medlink/event"
	"github.com/arloliu/go-medlink/frame"
)

const (
	// sineStep is the phase advance per sample instant.
	sineStep = 0.1
	// impedanceBase and impedanceStep shape the simulated electrode impedance in ohms.
	impedanceBase = 5000.0
	impedanceStep = 250.0
)

// generator produces the frames of one stream. Each stream starts at sequence number 1, like a
// device that restarts its counter when a host connects.
type generator struct {
	cfg        *Config
	mode       event.DeviceStatus
	seq        uint32
	batches    int
	phase      float64
	deviceTime time.Duration
}

func newGenerator(cfg *Config) *generator {
	return &generator{cfg: cfg, mode: cfg.status}
}

func (g *generator) nextSeq() uint32 {
	g.seq++
	return g.seq
}

func (g *generator) status() ([]byte, error) {
	return frame.Encode(frame.Frame{Type: frame.TypeStatus, Seq: g.nextSeq(), Payload: event.StatusPayload(g.mode)})
}

// setMode switches the operating mode and returns the status frame announcing it.
func (g *generator) setMode(mode event.DeviceStatus) ([]byte, error) {
	g.mode = mode
	return g.status()
}

// tick returns the frames due at a batch tick for the current mode. An idle device only sends
// heartbeats.
func (g *generator) tick() ([][]byte, error) {
	switch g.mode {
	case event.StatusSampling, event.StatusTest:
		return g.samples()
	case event.StatusImpedance:
		b, err := g.impedance()
		if err != nil {
			return nil, err
		}

		return [][]byte{b}, nil
	default:
		return nil, nil
	}
}

func (g *generator) impedance() ([]byte, error) {
	values := make([]float64, g.cfg.channels)
	supported := g.cfg.ImpedanceChannels()
	for ch := range values {
		if ch >= supported {
			values[ch] = math.NaN()
			continue
		}
		values[ch] = impedanceBase + impedanceStep*float64(ch)
	}

	payload, err := event.ImpedancePayload(values)
	if err != nil {
		return nil, err
	}

	return frame.Encode(frame.Frame{Type: frame.TypeImpedance, Seq: g.nextSeq(), Payload: payload})
}

func (g *generator) heartbeat() ([]byte, error) {
	return frame.Encode(frame.Frame{Type: frame.TypeHeartbeat, Seq: g.nextSeq(), Payload: event.HeartbeatPayload(g.deviceTime)})
}

// samples returns the wire bytes of the next samples frame, with fault injection applied. A
// duplicated frame is returned twice.
func (g *generator) samples() ([][]byte, error) {
	g.batches++

	values := make([]float64, 0, g.cfg.batchSize*g.cfg.channels)
	for range g.cfg.batchSize {
		g.phase += sineStep
		v := 1 + math.Sin(g.phase)
		if g.mode == event.StatusTest {
			// square test signal
			v = 1 + math.Copysign(1, math.Sin(g.phase))
		}
		for range g.cfg.channels {
			values = append(values, v)
		}
	}

	payload, err := event.SamplesPayload(g.cfg.layout, g.deviceTime, g.cfg.period, g.cfg.channels, values)
	if err != nil {
		return nil, err
	}
	g.deviceTime += g.cfg.period * time.Duration(g.cfg.batchSize)

	if every(g.cfg.skipEvery, g.batches) {
		g.seq++
	}

	b, err := frame.Encode(frame.Frame{Type: frame.TypeSamples, Seq: g.nextSeq(), Payload: payload})
	if err != nil {
		return nil, err
	}

	if every(g.cfg.corruptEvery, g.batches) {
		// the type byte is never escaped, so this only breaks the checksum
		b[1] ^= 0x40
	}

	if every(g.cfg.duplicateEvery, g.batches) {
		return [][]byte{b, b}, nil
	}

	return [][]byte{b}, nil
}

func every(n, count int) bool {
	return n > 0 && count%n == 0
}
