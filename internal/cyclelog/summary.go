package cyclelog

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/cjeanneret/RigSync/internal/acquire"
)

// Summary totals a journal per device.
type Summary struct {
	Sessions      int
	Cycles        int
	TriggerErrors int
	Span          time.Duration
	Devices       map[string]acquire.DeviceStats
}

// Summarize folds entries into per-device totals.
func Summarize(entries []Entry) Summary {
	s := Summary{Devices: make(map[string]acquire.DeviceStats)}
	sessions := make(map[string]bool)
	var first, last time.Time
	for _, e := range entries {
		sessions[e.SessionID] = true
		s.Cycles++
		if e.Record.TriggerReason != "" {
			s.TriggerErrors++
		}
		if first.IsZero() || e.Record.At.Before(first) {
			first = e.Record.At
		}
		if end := e.Record.At.Add(e.Record.Duration); end.After(last) {
			last = end
		}
		for _, o := range e.Record.Outcomes {
			d := s.Devices[o.DeviceID]
			switch o.Kind {
			case acquire.Delivered:
				d.Delivered++
			case acquire.Incomplete:
				d.Incomplete++
			case acquire.RetrievalFailed:
				d.Failures++
				if o.Timeout {
					d.Timeouts++
				}
			}
			s.Devices[o.DeviceID] = d
		}
	}
	s.Sessions = len(sessions)
	if !first.IsZero() {
		s.Span = last.Sub(first)
	}
	return s
}

// Write prints the summary as a table.
func (s Summary) Write(w io.Writer) error {
	fmt.Fprintf(w, "%d session(s), %d cycle(s), %d trigger error(s) over %v\n",
		s.Sessions, s.Cycles, s.TriggerErrors, s.Span.Round(time.Millisecond))
	ids := make([]string, 0, len(s.Devices))
	for id := range s.Devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE\tDELIVERED\tINCOMPLETE\tFAILED\tTIMEOUTS")
	for _, id := range ids {
		d := s.Devices[id]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", id, d.Delivered, d.Incomplete, d.Failures, d.Timeouts)
	}
	return tw.Flush()
}
