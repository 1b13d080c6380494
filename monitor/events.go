package monitor

import "plugboard/types"

// DeviceSink receives one notification per registry mutation, after the
// mutation has landed. Implemented by the websocket hub, the mqtt bridge,
// and the alert mailer.
type DeviceSink interface {
	DeviceChanged(event types.ChangeEvent)
}

// TroubleSink receives transient failures: a pass that aborted, or a
// command one device rejected. Neither is fatal; the registry keeps its
// last-known-good state.
type TroubleSink interface {
	PassFailed(correlationId string, err error)
	CommandFailed(correlationId string, addr types.Address, err error)
}

// Events fans notifications out to every registered sink. Fill the slices
// before the reconciler starts running; sinks are called synchronously and
// in order, so they must not block.
type Events struct {
	Devices  []DeviceSink
	Troubles []TroubleSink
}

func (e *Events) deviceChanged(event types.ChangeEvent) {
	for _, sink := range e.Devices {
		sink.DeviceChanged(event)
	}
}

func (e *Events) passFailed(correlationId string, err error) {
	for _, sink := range e.Troubles {
		sink.PassFailed(correlationId, err)
	}
}

func (e *Events) commandFailed(correlationId string, addr types.Address, err error) {
	for _, sink := range e.Troubles {
		sink.CommandFailed(correlationId, addr, err)
	}
}
