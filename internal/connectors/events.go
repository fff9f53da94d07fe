package connectors

import "time"

// LinkState describes the device link lifecycle state.
type LinkState string

const (
	LinkStateDisconnected          LinkState = "disconnected"
	LinkStateConnecting            LinkState = "connecting"
	LinkStateConnected             LinkState = "connected"
	LinkStateFirmwareUpdatePending LinkState = "firmware_update_pending"
	LinkStateFirmwareUpdateWaiting LinkState = "firmware_update_waiting"
)

// LinkStatus is a bus event snapshot published on every link state transition.
type LinkStatus struct {
	State         LinkState
	Err           string
	TransportName string
	Target        string
	Timestamp     time.Time
}

// Observer event kinds carried in the outbound envelope.
const (
	EventInfo   = "info"
	EventStdout = "stdout"
	EventStderr = "stderr"
)

// DeviceLine is a decoded text line read from the device that still has to be
// projected for each sink (observers see raw commands, console sees summaries).
type DeviceLine struct {
	Text string
	At   time.Time
}

// ObserverEvent is an already projected event delivered to observers verbatim.
type ObserverEvent struct {
	Type string
	Data string
}

// CommandRecord describes one dispatched device command.
type CommandRecord struct {
	Name     string
	ArgCount int
	Handled  bool
	Duration time.Duration
}
