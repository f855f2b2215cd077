// Package summary stores the named metric time series a training run emits,
// keyed by epoch.
package summary

import (
	"errors"
	"sync"
)

// Writer receives (name, epoch, value) triples.
type Writer interface {
	Scalar(name string, epoch int, value float32) error
	Vector(name string, epoch int, values []float32) error
	Close() error
}

// Point is one recorded value. Scalars have a single element in Values.
type Point struct {
	Name   string
	Epoch  int
	Values []float32
}

// MemoryWriter keeps every point in memory, in arrival order.
type MemoryWriter struct {
	mu     sync.Mutex
	points []Point
}

func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{}
}

func (m *MemoryWriter) Scalar(name string, epoch int, value float32) error {
	return m.Vector(name, epoch, []float32{value})
}

func (m *MemoryWriter) Vector(name string, epoch int, values []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points = append(m.points, Point{Name: name, Epoch: epoch, Values: append([]float32(nil), values...)})
	return nil
}

func (m *MemoryWriter) Close() error { return nil }

// Points returns a copy of everything recorded so far
func (m *MemoryWriter) Points() []Point {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Point(nil), m.points...)
}

// Last returns the most recent value recorded under name
func (m *MemoryWriter) Last(name string) (Point, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.points) - 1; i >= 0; i-- {
		if m.points[i].Name == name {
			return m.points[i], true
		}
	}
	return Point{}, false
}

type multiWriter []Writer

// Multi duplicates every write to all writers. Every writer is attempted;
// the errors are joined.
func Multi(writers ...Writer) Writer {
	return multiWriter(writers)
}

func (mw multiWriter) Scalar(name string, epoch int, value float32) error {
	var errs []error
	for _, w := range mw {
		errs = append(errs, w.Scalar(name, epoch, value))
	}
	return errors.Join(errs...)
}

func (mw multiWriter) Vector(name string, epoch int, values []float32) error {
	var errs []error
	for _, w := range mw {
		errs = append(errs, w.Vector(name, epoch, values))
	}
	return errors.Join(errs...)
}

func (mw multiWriter) Close() error {
	var errs []error
	for _, w := range mw {
		errs = append(errs, w.Close())
	}
	return errors.Join(errs...)
}
