// Package commands implements the devmgr-log CLI commands.
package commands

import (
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/mash-protocol/devmgr-go/pkg/log"
	"github.com/mash-protocol/devmgr-go/pkg/wire"
)

// ViewFilter specifies criteria for filtering events in the view command.
type ViewFilter struct {
	Layer     *log.Layer
	Direction *log.Direction
	Category  *log.Category
	Profile   *wire.ProfileID
}

func (f ViewFilter) filter() log.Filter {
	return log.Filter{
		Layer:     f.Layer,
		Direction: f.Direction,
		Category:  f.Category,
		Profile:   f.Profile,
	}
}

const timestampFormat = "2006-01-02T15:04:05.000000Z"

// formatEvent writes a human-readable representation of the event to w.
func formatEvent(w io.Writer, event log.Event) {
	ts := event.Timestamp.UTC().Format(timestampFormat)
	connID := shortenConnID(event.ConnectionID)
	if connID == "" {
		connID = "-"
	}

	layer := event.Layer.String()
	if event.Category == log.CategoryControl {
		layer = "CTRL"
	}

	fmt.Fprintf(w, "%s [conn:%s] %-3s %s %s\n", ts, connID, event.Direction, layer, typeLabel(event))
	if event.RemoteAddr != "" || event.DeviceID != "" {
		fmt.Fprintf(w, "  Peer: %s", orDash(event.RemoteAddr))
		if event.DeviceID != "" {
			fmt.Fprintf(w, "  Device: %s", event.DeviceID)
		}
		fmt.Fprintln(w)
	}
	if event.Operation != "" {
		fmt.Fprintf(w, "  Operation: %s\n", event.Operation)
	}

	switch {
	case event.Frame != nil:
		formatFrameDetails(w, event.Frame)
	case event.Message != nil:
		formatMessageDetails(w, event.Message)
	case event.StateChange != nil:
		formatStateChangeDetails(w, event.StateChange)
	case event.Error != nil:
		formatErrorDetails(w, event.Error)
	}

	fmt.Fprintln(w)
}

// typeLabel names the event payload.
func typeLabel(event log.Event) string {
	switch {
	case event.Frame != nil:
		return "Frame"
	case event.Message != nil:
		return messageName(event.Message.Profile, event.Message.Type)
	case event.StateChange != nil:
		return "State"
	case event.ControlMsg != nil:
		return event.ControlMsg.Type.String()
	case event.Error != nil:
		return "Error"
	default:
		return "Unknown"
	}
}

// shortenConnID returns the first 8 characters of the connection ID.
func shortenConnID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatFrameDetails(w io.Writer, frame *log.FrameEvent) {
	fmt.Fprintf(w, "  Size: %d bytes\n", frame.Size)
	if len(frame.Data) > 0 {
		fmt.Fprintf(w, "  Data: %s", hex.EncodeToString(frame.Data))
		if frame.Truncated {
			fmt.Fprint(w, " (truncated)")
		}
		fmt.Fprintln(w)
	}
}

func formatMessageDetails(w io.Writer, msg *log.MessageEvent) {
	fmt.Fprintf(w, "  MessageID: %d  Exchange: %d", msg.MessageID, msg.ExchangeID)
	if msg.KeyID != wire.KeyIDNone {
		fmt.Fprintf(w, "  Key: %d", msg.KeyID)
	}
	if msg.Unsolicited {
		fmt.Fprint(w, "  (unsolicited)")
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Payload: %d bytes\n", msg.PayloadSize)

	if msg.StatusProfile != nil && msg.StatusCode != nil {
		status := wire.StatusReport{Profile: *msg.StatusProfile, Code: *msg.StatusCode}
		fmt.Fprintf(w, "  Status: %s\n", status.String())
	}
	if msg.RoundTrip != nil {
		fmt.Fprintf(w, "  Round trip: %s\n", formatDuration(*msg.RoundTrip))
	}
}

func formatStateChangeDetails(w io.Writer, sc *log.StateChangeEvent) {
	fmt.Fprintf(w, "  Entity: %s\n", sc.Entity)
	if sc.OldState != "" {
		fmt.Fprintf(w, "  %s -> %s\n", sc.OldState, sc.NewState)
	} else {
		fmt.Fprintf(w, "  -> %s\n", sc.NewState)
	}
	if sc.Reason != "" {
		fmt.Fprintf(w, "  Reason: %s\n", sc.Reason)
	}
}

func formatErrorDetails(w io.Writer, err *log.ErrorEventData) {
	fmt.Fprintf(w, "  Layer: %s\n", err.Layer)
	fmt.Fprintf(w, "  Message: %s\n", err.Message)
	if err.Code != nil {
		fmt.Fprintf(w, "  Code: 0x%04X\n", *err.Code)
	}
	if err.Context != "" {
		fmt.Fprintf(w, "  Context: %s\n", err.Context)
	}
}

// formatDuration formats a duration for display.
func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%.3fus", float64(d.Nanoseconds())/1000)
	}
	if d < time.Second {
		return fmt.Sprintf("%.3fms", float64(d.Microseconds())/1000)
	}
	return fmt.Sprintf("%.3fs", d.Seconds())
}

// ParseLayerFlag parses a layer name (case-insensitive).
func ParseLayerFlag(s string) (log.Layer, error) {
	switch strings.ToLower(s) {
	case "transport":
		return log.LayerTransport, nil
	case "exchange":
		return log.LayerExchange, nil
	case "manager":
		return log.LayerManager, nil
	default:
		return 0, fmt.Errorf("invalid layer: %s (must be transport, exchange, or manager)", s)
	}
}

// ParseDirectionFlag parses a direction name (case-insensitive).
func ParseDirectionFlag(s string) (log.Direction, error) {
	switch strings.ToLower(s) {
	case "in":
		return log.DirectionIn, nil
	case "out":
		return log.DirectionOut, nil
	default:
		return 0, fmt.Errorf("invalid direction: %s (must be in or out)", s)
	}
}

// ParseCategoryFlag parses a category name (case-insensitive).
func ParseCategoryFlag(s string) (log.Category, error) {
	switch strings.ToLower(s) {
	case "message":
		return log.CategoryMessage, nil
	case "control":
		return log.CategoryControl, nil
	case "state":
		return log.CategoryState, nil
	case "error":
		return log.CategoryError, nil
	default:
		return 0, fmt.Errorf("invalid category: %s (must be message, control, state, or error)", s)
	}
}

var knownProfiles = []wire.ProfileID{
	wire.ProfileCommon,
	wire.ProfileEcho,
	wire.ProfileStatusReport,
	wire.ProfileNetworkProvisioning,
	wire.ProfileSecurity,
	wire.ProfileFabricProvisioning,
	wire.ProfileDeviceControl,
	wire.ProfileDeviceDescription,
	wire.ProfileServiceProvisioning,
	wire.ProfileTokenPairing,
	wire.ProfileWirelessRegulatory,
	wire.ProfileReferenceSystemTest,
}

// ParseProfileFlag parses a profile name such as "DeviceControl" or a
// numeric profile id.
func ParseProfileFlag(s string) (wire.ProfileID, error) {
	for _, p := range knownProfiles {
		if strings.EqualFold(p.String(), s) {
			return p, nil
		}
	}
	n, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid profile: %s", s)
	}
	return wire.ProfileID(n), nil
}

// RunView writes the matching events of the log at path to output.
func RunView(path string, filter ViewFilter, output io.Writer) error {
	reader, err := log.NewFilteredReader(path, filter.filter())
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		formatEvent(output, event)
	}
	return nil
}
