package commands

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/mash-protocol/devmgr-go/pkg/log"
	"github.com/mash-protocol/devmgr-go/pkg/wire"
)

// Stats holds aggregate statistics about a log file.
type Stats struct {
	TotalEvents       int
	EventsByLayer     map[log.Layer]int
	EventsByCategory  map[log.Category]int
	EventsByDirection map[log.Direction]int
	EventsByProfile   map[wire.ProfileID]int
	Operations        map[string]int
	Connections       map[string]*ConnectionStats
	Errors            int
	StatusFailures    int
	TimeRange         struct {
		Start time.Time
		End   time.Time
	}
}

// ConnectionStats holds statistics for a single connection.
type ConnectionStats struct {
	FirstSeen    time.Time
	LastSeen     time.Time
	Events       int
	DeviceID     string
	RemoteAddr   string
	MaxRoundTrip time.Duration
}

// RunStats analyzes the log file and prints statistics.
func RunStats(path string, w io.Writer) error {
	reader, err := log.NewReader(path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	stats := newStats()
	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		stats.add(event)
	}

	printStats(w, stats)
	return nil
}

func newStats() *Stats {
	return &Stats{
		EventsByLayer:     make(map[log.Layer]int),
		EventsByCategory:  make(map[log.Category]int),
		EventsByDirection: make(map[log.Direction]int),
		EventsByProfile:   make(map[wire.ProfileID]int),
		Operations:        make(map[string]int),
		Connections:       make(map[string]*ConnectionStats),
	}
}

func (s *Stats) add(event log.Event) {
	s.TotalEvents++
	s.EventsByLayer[event.Layer]++
	s.EventsByCategory[event.Category]++
	s.EventsByDirection[event.Direction]++

	if s.TimeRange.Start.IsZero() || event.Timestamp.Before(s.TimeRange.Start) {
		s.TimeRange.Start = event.Timestamp
	}
	if event.Timestamp.After(s.TimeRange.End) {
		s.TimeRange.End = event.Timestamp
	}

	if event.Error != nil {
		s.Errors++
	}

	// Operations are counted once, when they start.
	if sc := event.StateChange; sc != nil && sc.Entity == log.StateEntityOperation && sc.OldState == "" {
		s.Operations[event.Operation]++
	}

	var roundTrip time.Duration
	if m := event.Message; m != nil {
		s.EventsByProfile[m.Profile]++
		if m.StatusCode != nil && *m.StatusCode != 0 {
			s.StatusFailures++
		}
		if m.RoundTrip != nil {
			roundTrip = *m.RoundTrip
		}
	}

	// Multicast traffic has no connection.
	if event.ConnectionID == "" {
		return
	}
	conn, ok := s.Connections[event.ConnectionID]
	if !ok {
		conn = &ConnectionStats{
			FirstSeen: event.Timestamp,
			LastSeen:  event.Timestamp,
		}
		s.Connections[event.ConnectionID] = conn
	}
	conn.Events++
	if event.Timestamp.After(conn.LastSeen) {
		conn.LastSeen = event.Timestamp
	}
	if conn.DeviceID == "" {
		conn.DeviceID = event.DeviceID
	}
	if conn.RemoteAddr == "" {
		conn.RemoteAddr = event.RemoteAddr
	}
	conn.MaxRoundTrip = max(conn.MaxRoundTrip, roundTrip)
}

func printStats(w io.Writer, stats *Stats) {
	fmt.Fprintln(w, "=== Device Manager Protocol Log Statistics ===")
	fmt.Fprintln(w)

	if stats.TotalEvents > 0 {
		fmt.Fprintf(w, "Time Range: %s to %s\n",
			stats.TimeRange.Start.Format(time.RFC3339),
			stats.TimeRange.End.Format(time.RFC3339))
		fmt.Fprintf(w, "Duration:   %s\n", stats.TimeRange.End.Sub(stats.TimeRange.Start).Round(time.Second))
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Total Events: %d\n", stats.TotalEvents)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Layer:")
	for _, layer := range []log.Layer{log.LayerTransport, log.LayerExchange, log.LayerManager} {
		if count := stats.EventsByLayer[layer]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", layer.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Category:")
	for _, cat := range []log.Category{log.CategoryMessage, log.CategoryControl, log.CategoryState, log.CategoryError} {
		if count := stats.EventsByCategory[cat]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", cat.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Direction:")
	for _, dir := range []log.Direction{log.DirectionIn, log.DirectionOut} {
		if count := stats.EventsByDirection[dir]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", dir.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	if len(stats.EventsByProfile) > 0 {
		fmt.Fprintln(w, "Messages by Profile:")
		profiles := make([]wire.ProfileID, 0, len(stats.EventsByProfile))
		for p := range stats.EventsByProfile {
			profiles = append(profiles, p)
		}
		sort.Slice(profiles, func(i, j int) bool { return profiles[i] < profiles[j] })
		for _, p := range profiles {
			fmt.Fprintf(w, "  %-22s %d\n", p.String()+":", stats.EventsByProfile[p])
		}
		fmt.Fprintln(w)
	}

	if len(stats.Operations) > 0 {
		fmt.Fprintln(w, "Operations:")
		ops := make([]string, 0, len(stats.Operations))
		for op := range stats.Operations {
			ops = append(ops, op)
		}
		sort.Strings(ops)
		for _, op := range ops {
			fmt.Fprintf(w, "  %-22s %d\n", orDash(op)+":", stats.Operations[op])
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Connections: %d\n", len(stats.Connections))
	if len(stats.Connections) > 0 {
		ids := make([]string, 0, len(stats.Connections))
		for id := range stats.Connections {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool {
			return stats.Connections[ids[i]].FirstSeen.Before(stats.Connections[ids[j]].FirstSeen)
		})
		for _, id := range ids {
			conn := stats.Connections[id]
			fmt.Fprintf(w, "  %s: %d events", shortenConnID(id), conn.Events)
			if conn.DeviceID != "" {
				fmt.Fprintf(w, ", device=%s", conn.DeviceID)
			}
			if conn.RemoteAddr != "" {
				fmt.Fprintf(w, ", peer=%s", conn.RemoteAddr)
			}
			if conn.MaxRoundTrip > 0 {
				fmt.Fprintf(w, ", max rtt=%s", formatDuration(conn.MaxRoundTrip))
			}
			fmt.Fprintln(w)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Errors: %d\n", stats.Errors)
	fmt.Fprintf(w, "Failed Status Reports: %d\n", stats.StatusFailures)
}
