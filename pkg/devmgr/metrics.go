package devmgr

// Metrics receives device manager counters. Methods are called with the
// manager's lock held and must not block.
type Metrics interface {
	OperationStarted(op OpState)
	OperationFinished(op OpState, err error)
	ConnectionStateChanged(from, to ConnectionState)
	SessionEstablished(mode AuthMode)
	SessionFailed(mode AuthMode, busy bool)
	RendezvousFallback()
}

// NoopMetrics discards everything.
type NoopMetrics struct{}

func (NoopMetrics) OperationStarted(OpState) {}
func (NoopMetrics) OperationFinished(OpState, error) {}
func (NoopMetrics) ConnectionStateChanged(from, to ConnectionState) {}
func (NoopMetrics) SessionEstablished(AuthMode) {}
func (NoopMetrics) SessionFailed(AuthMode, bool) {}
func (NoopMetrics) RendezvousFallback() {}
