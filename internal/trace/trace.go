// Package trace records scheduler events so an external cycle-accurate
// timing model can replay one datapath invocation.
package trace

import (
	"bufio"
	"encoding/json"
	"io"

	"github.com/hailam/simdconv/internal/smiv"
)

// Recorder collects column events. It implements smiv.Tracer.
type Recorder struct {
	events []smiv.ColumnEvent
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Column records one event.
func (r *Recorder) Column(ev smiv.ColumnEvent) {
	r.events = append(r.events, ev)
}

// Events returns the recorded events in order.
func (r *Recorder) Events() []smiv.ColumnEvent {
	return r.events
}

// Len returns the number of recorded events.
func (r *Recorder) Len() int {
	return len(r.events)
}

// Reset drops all recorded events.
func (r *Recorder) Reset() {
	r.events = r.events[:0]
}

// Summary aggregates a trace per output row.
type Summary struct {
	Events          int   `json:"events"`
	BoundaryEvents  int   `json:"boundary_events"`
	RowOutputs      []int `json:"row_outputs"`
	MaxOutputsPerEv int   `json:"max_outputs_per_event"`
	// IdleEvents counts column iterations that committed nothing.
	IdleEvents int `json:"idle_events"`
}

// Summarize computes the summary of the recorded trace.
func (r *Recorder) Summarize() Summary {
	var s Summary
	for _, ev := range r.events {
		s.Events++
		if ev.Boundary {
			s.BoundaryEvents++
		}
		if ev.TotalOutPx == 0 {
			s.IdleEvents++
		}
		s.MaxOutputsPerEv = max(s.MaxOutputsPerEv, ev.TotalOutPx)

		for len(s.RowOutputs) <= ev.OutRow {
			s.RowOutputs = append(s.RowOutputs, 0)
		}
		s.RowOutputs[ev.OutRow] += ev.TotalOutPx
	}
	return s
}

// EventAt returns the index of the event that committed output (row, col),
// or -1 if none did.
func (r *Recorder) EventAt(row, col int) int {
	for i, ev := range r.events {
		if ev.OutRow == row && col >= ev.OutCol && col < ev.OutCol+ev.TotalOutPx {
			return i
		}
	}
	return -1
}

// WriteJSONL writes one JSON object per event.
func (r *Recorder) WriteJSONL(w io.Writer) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for _, ev := range r.events {
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadJSONL parses a trace written by WriteJSONL.
func ReadJSONL(rd io.Reader) (*Recorder, error) {
	r := NewRecorder()
	dec := json.NewDecoder(rd)
	for dec.More() {
		var ev smiv.ColumnEvent
		if err := dec.Decode(&ev); err != nil {
			return nil, err
		}
		r.events = append(r.events, ev)
	}
	return r, nil
}
