package devicesim

import (
	"github.com/benbjohnson/clock"

	"github.com/mash-protocol/devmgr-go/pkg/devmgr"
	"github.com/mash-protocol/devmgr-go/pkg/wire"
)

// rendezvous is a remote passive rendezvous the device is assisting with.
// The simulator has no joiner radio, so a rendezvous always runs out and
// ends with a timed-out status on the request exchange.
type rendezvous struct {
	conn  devmgr.Connection
	ex    devmgr.Exchange
	timer *clock.Timer
}

func (d *Device) remotePassiveRendezvous(r *request) response {
	req, err := wire.DecodeRemotePassiveRendezvousRequest(r.msg.Payload)
	if err != nil || req.RendezvousTimeout == 0 {
		return badRequest()
	}
	if d.rendezvous != nil {
		return failure(wire.ProfileCommon, wire.StatusBusy)
	}

	rv := &rendezvous{conn: r.ex.Connection(), ex: r.ex}
	rv.timer = d.clock.AfterFunc(req.RendezvousTimeout, func() { d.onRendezvousTimeout(rv) })
	d.rendezvous = rv
	d.logger.Info("remote passive rendezvous started",
		"timeout", req.RendezvousTimeout,
		"filter", req.FilterAddr)

	resp := success()
	resp.keepOpen = true
	return resp
}

func (d *Device) onRendezvousTimeout(rv *rendezvous) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rendezvous != rv {
		return
	}
	d.rendezvous = nil

	status := &wire.StatusReport{Profile: wire.ProfileDeviceControl, Code: wire.StatusRemotePassiveRendezvousTimedOut}
	if err := rv.ex.SendMessage(wire.ProfileCommon, wire.MsgStatusReport, status.Encode(), devmgr.SendOptions{}); err != nil {
		d.logger.Debug("rendezvous timeout not sent", "error", err)
		rv.ex.Abort()
	}
	d.logger.Info("remote passive rendezvous timed out")
}

// endRendezvous abandons the rendezvous. Called with d.mu held.
func (d *Device) endRendezvous() {
	rv := d.rendezvous
	if rv == nil {
		return
	}
	d.rendezvous = nil
	rv.timer.Stop()
	rv.ex.Abort()
}
