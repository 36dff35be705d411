package device

import (
	"fmt"

	"github.com/caffeineduck/twedge/stream"
	"github.com/caffeineduck/twedge/vfs"
)

// SampleFunc takes one reading from a sensor.
type SampleFunc func() ([]byte, error)

// Sensor is a generic read-only provider: each read cycle takes a fresh
// sample.
type Sensor struct {
	sample   SampleFunc
	path     string
	boundary stream.ResetBoundary
}

// SensorOption configures a Sensor.
type SensorOption func(*Sensor)

// WithResetBoundary selects the read-cycle boundary for sensor entries.
func WithResetBoundary(b stream.ResetBoundary) SensorOption {
	return func(s *Sensor) {
		s.boundary = b
	}
}

// NewSensor creates a sensor owning path.
func NewSensor(path string, sample SampleFunc, opts ...SensorOption) (*Sensor, error) {
	if !vfs.ValidDevicePath(path) {
		return nil, fmt.Errorf("invalid sensor path %q", path)
	}
	if sample == nil {
		return nil, fmt.Errorf("sensor %s: nil sample func", path)
	}
	s := &Sensor{path: path, sample: sample}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Sensor) Path() string { return s.path }

func (s *Sensor) Capability() vfs.Capability { return vfs.ReadOnly }

// Find implements vfs.Provider.
func (s *Sensor) Find(path string) (*vfs.Entry, bool) {
	if path != s.path {
		return nil, false
	}
	e := stream.NewPull(stream.Regenerator(s.sample), stream.WithAutoReset(s.boundary))
	return vfs.NewEntry(path, vfs.ReadOnly, e), true
}
