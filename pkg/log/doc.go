// Package log provides the protocol event trace of the device manager.
//
// It is separate from operational logging (slog): operational logs say what
// the device manager decided, the protocol trace records what went over the
// wire and how the connection, session and operation states moved. Events
// are captured at three layers:
//   - Transport: raw frames (FrameEvent)
//   - Exchange: decoded message envelopes (MessageEvent)
//   - Manager: state changes of the connection, session, operation and
//     remote rendezvous (StateChangeEvent)
//
// Keep-alives and connection close/abort have ControlMsgEvent, errors have
// ErrorEventData.
//
// # Basic Usage
//
//	// Development: protocol events on the console
//	cfg.ProtocolLogger = log.NewSlogAdapter(slog.Default())
//
//	// Production: binary trace file
//	fl, _ := log.NewFileLogger("/var/log/devmgr/pairing.dlog")
//	cfg.ProtocolLogger = log.NewMultiLogger(log.NewSlogAdapter(slog.Default()), fl)
//
// # File Format
//
// Trace files are a stream of CBOR-encoded events (.dlog). Reader iterates
// them with an optional Filter.
package log
