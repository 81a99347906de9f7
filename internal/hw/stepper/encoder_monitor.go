package stepper

import "github.com/cjeanneret/ForkGo/internal/hw/encoder"

// EncoderSnapshot is the slip telemetry of an axis. TicksSinceChange counts
// commanded microsteps since the encoder last moved: a healthy axis keeps it
// small, a stalled one lets it grow without bound.
type EncoderSnapshot struct {
	Value            int64 `json:"value"`
	TicksSinceChange int64 `json:"ticks_since_change"`
	PrevTicksInPulse int64 `json:"prev_ticks_in_pulse"`
}

// EncoderMonitor cross-checks encoder ticks against emitted pulses. It lives
// in the scheduler's shared state and is only touched under its lock.
type EncoderMonitor struct {
	enc     encoder.Encoder
	enabled bool
	last    int64
	since   int64
	prev    int64
}

// onPulse is called after every completed pulse.
func (m *EncoderMonitor) onPulse(forward bool, resolution int64) {
	if !m.enabled {
		return
	}
	if v := m.enc.Read(); v != m.last {
		m.prev = m.since
		m.since = 0
		m.last = v
		return
	}
	if forward {
		m.since += resolution
	} else {
		m.since -= resolution
	}
}

// resync writes the last seen value back to the encoder after a backlash
// job, so that take-up motion is not reported as slip.
func (m *EncoderMonitor) resync() {
	if !m.enabled {
		return
	}
	m.enc.Write(m.last)
	m.since = 0
}

func (m *EncoderMonitor) snapshot() EncoderSnapshot {
	return EncoderSnapshot{
		Value:            m.last,
		TicksSinceChange: m.since,
		PrevTicksInPulse: m.prev,
	}
}
