// Package sink is the structured results sink: every runtime observation —
// log lines, process errors, hardware diagnoses, measurements and
// measurement series — flows through here. Output is grouped into named
// steps the way the run is phased (setup, fill, per-worker-kind, analysis).
package sink

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Sink owns the logger and the run-wide failure counters the controller
// consults for the exit code.
type Sink struct {
	log *logrus.Logger

	processErrors atomic.Int64
	diagnoses     atomic.Int64
	file          *os.File
}

// New creates a sink writing to stdout and, when logfile is non-empty, an
// append-only log file as well. Verbosity maps onto logrus levels: 0-4
// errors only, 5-8 info, 9 and up debug chatter.
func New(verbosity int, logfile string) (*Sink, error) {
	s := &Sink{log: logrus.New()}
	s.log.SetOutput(os.Stdout)
	s.log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	switch {
	case verbosity < 5:
		s.log.SetLevel(logrus.ErrorLevel)
	case verbosity < 9:
		s.log.SetLevel(logrus.InfoLevel)
	default:
		s.log.SetLevel(logrus.DebugLevel)
	}

	if logfile != "" {
		f, err := os.OpenFile(logfile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", logfile, err)
		}
		s.file = f
		s.log.SetOutput(io.MultiWriter(os.Stdout, f))
	}
	return s, nil
}

// NewNop returns a sink that discards output; used by tests.
func NewNop() *Sink {
	s := &Sink{log: logrus.New()}
	s.log.SetOutput(io.Discard)
	return s
}

// NewWithLogger wraps an existing logger; tests attach capture hooks this
// way.
func NewWithLogger(log *logrus.Logger) *Sink {
	return &Sink{log: log}
}

// Close flushes and closes the optional log file.
func (s *Sink) Close() {
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
}

// ProcessErrorCount returns the number of software errors recorded.
func (s *Sink) ProcessErrorCount() int64 { return s.processErrors.Load() }

// DiagnosisCount returns the number of hardware diagnoses recorded.
func (s *Sink) DiagnosisCount() int64 { return s.diagnoses.Load() }

// Step opens a named test step; all observations carry the step name.
func (s *Sink) Step(name string) *Step {
	return &Step{sink: s, entry: s.log.WithField("step", name)}
}

// Step is one named phase of the run.
type Step struct {
	sink  *Sink
	entry *logrus.Entry
}

// Debugf, Infof, Warnf and Errorf log at the matching severity.
func (st *Step) Debugf(format string, args ...interface{}) { st.entry.Debugf(format, args...) }
func (st *Step) Infof(format string, args ...interface{})  { st.entry.Infof(format, args...) }
func (st *Step) Warnf(format string, args ...interface{})  { st.entry.Warnf(format, args...) }
func (st *Step) Errorf(format string, args ...interface{}) { st.entry.Errorf(format, args...) }

// AddProcessError records a software failure.
func (st *Step) AddProcessError(format string, args ...interface{}) {
	st.sink.processErrors.Add(1)
	st.entry.WithField("symptom", ProcessErrorSymptom).Errorf(format, args...)
}

// AddDiagnosis records a hardware failure with one of the fixed verdicts.
func (st *Step) AddDiagnosis(verdict string, format string, args ...interface{}) {
	st.sink.diagnoses.Add(1)
	st.entry.WithField("verdict", verdict).Errorf(format, args...)
}

// AddMeasurement records a single named value, optionally validated.
func (st *Step) AddMeasurement(name, unit string, value float64, validators ...Validator) {
	e := st.entry.WithFields(logrus.Fields{
		"measurement": name,
		"unit":        unit,
		"value":       value,
	})
	for _, v := range validators {
		if !v.Check(value) {
			e.Warnf("measurement %s value %g violates %s %g", name, value, v, v.Value)
			return
		}
	}
	e.Info("measurement")
}

// Series opens a measurement series (e.g. per-operation latencies).
func (st *Step) Series(name, unit string, validators ...Validator) *Series {
	return &Series{step: st, name: name, unit: unit, validators: validators}
}

// Series is an append-only sequence of measured values sharing one name,
// unit and validator set.
type Series struct {
	step       *Step
	name       string
	unit       string
	validators []Validator
	count      atomic.Int64
	violations atomic.Int64
}

// Add appends one element. Validator violations are logged as warnings and
// counted; they never raise a diagnosis by themselves.
func (se *Series) Add(value float64) {
	se.count.Add(1)
	for _, v := range se.validators {
		if !v.Check(value) {
			se.violations.Add(1)
			se.step.entry.Warnf("series %s element %g %s violates %s %g",
				se.name, value, se.unit, v, v.Value)
			return
		}
	}
	se.step.entry.Debugf("series %s element %g %s", se.name, value, se.unit)
}

// Len returns the number of elements added so far.
func (se *Series) Len() int64 { return se.count.Load() }

// Violations returns the number of elements that failed validation.
func (se *Series) Violations() int64 { return se.violations.Load() }
