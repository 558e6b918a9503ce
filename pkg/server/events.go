package server

import "time"

// Event identifies a dispatchable server event. Most map 1:1 to a UDS
// service; the rest are lifecycle events raised by the core itself.
type Event uint8

const (
	EventDiagSessionControl Event = iota
	EventECUReset
	EventDoScheduledReset
	EventReadDataByIdent
	EventWriteDataByIdent
	EventSecAccessRequestSeed
	EventSecAccessValidateKey
	EventCommControl
	EventIOControl
	EventRoutineControl
	EventRequestFileTransfer
	EventTransferData
	EventRequestTransferExit
	EventSessionTimeout
	eventCount
)

var eventNames = map[Event]string{
	EventDiagSessionControl:   "DiagSessionControl",
	EventECUReset:             "ECUReset",
	EventDoScheduledReset:     "DoScheduledReset",
	EventReadDataByIdent:      "ReadDataByIdent",
	EventWriteDataByIdent:     "WriteDataByIdent",
	EventSecAccessRequestSeed: "SecAccessRequestSeed",
	EventSecAccessValidateKey: "SecAccessValidateKey",
	EventCommControl:          "CommControl",
	EventIOControl:            "IOControl",
	EventRoutineControl:       "RoutineControl",
	EventRequestFileTransfer:  "RequestFileTransfer",
	EventTransferData:         "TransferData",
	EventRequestTransferExit:  "RequestTransferExit",
	EventSessionTimeout:       "SessionTimeout",
}

func (e Event) String() string {
	name, ok := eventNames[e]
	if ok {
		return name
	}
	return "Unknown"
}

// DiagSessionControlArgs is passed with EventDiagSessionControl. The handler
// writes the negotiated timings back so the core updates its state.
type DiagSessionControlArgs struct {
	Type   uint8
	P2     time.Duration
	P2Star time.Duration
}

// ECUResetArgs is passed with EventECUReset. The handler sets PowerDownTime
// to schedule the physical reset after the positive response went out.
type ECUResetArgs struct {
	Type          uint8
	PowerDownTime time.Duration
}

// DoScheduledResetArgs is passed with EventDoScheduledReset.
type DoScheduledResetArgs struct {
	Type uint8
}

// RDBIArgs is passed with EventReadDataByIdent, once per requested DID.
type RDBIArgs struct {
	DID uint16
	// Copy appends the datum to the response and returns the triage result.
	Copy func(data []byte) Result
}

// WDBIArgs is passed with EventWriteDataByIdent.
type WDBIArgs struct {
	DID  uint16
	Data []byte
}

// SecAccessRequestSeedArgs is passed with EventSecAccessRequestSeed.
// Level is the odd requestSeed sub-function.
type SecAccessRequestSeedArgs struct {
	Level    uint8
	Record   []byte
	CopySeed func(seed []byte) Result
}

// SecAccessValidateKeyArgs is passed with EventSecAccessValidateKey.
// Level is the target security level (sendKey sub-function minus one).
type SecAccessValidateKeyArgs struct {
	Level uint8
	Key   []byte
}

// CommControlArgs is passed with EventCommControl. NodeID is only meaningful
// for the enhanced-addressing sub-functions 0x04/0x05.
type CommControlArgs struct {
	Control  uint8
	CommType uint8
	NodeID   uint16
}

// IOControlArgs is passed with EventIOControl.
type IOControlArgs struct {
	DID              uint16
	Param            uint8
	CtrlStateAndMask []byte
	// Copy appends the returned control state to the response.
	Copy func(state []byte) Result
}

// RoutineControlArgs is passed with EventRoutineControl.
type RoutineControlArgs struct {
	Type       uint8
	ID         uint16
	Option     []byte
	CopyStatus func(status []byte) Result
}

// RequestFileTransferArgs is passed with EventRequestFileTransfer. For
// uploads the sizes come from the client; for downloads the handler fills
// them in. The handler also sets MaxBlockLength (chunk negotiation).
type RequestFileTransferArgs struct {
	Mode             uint8
	Path             string
	DataFormat       uint8
	SizeUncompressed uint64
	SizeCompressed   uint64
	MaxBlockLength   uint16
}

// TransferDataArgs is passed with EventTransferData. MaxRespLen bounds the
// payload CopyResponse may carry back (transport MTU minus SID and
// sequence byte).
type TransferDataArgs struct {
	Sequence     uint8
	Data         []byte
	MaxRespLen   int
	CopyResponse func(data []byte) Result
}

// RequestTransferExitArgs is passed with EventRequestTransferExit.
type RequestTransferExitArgs struct {
	Data         []byte
	CopyResponse func(data []byte) Result
}

// SessionTimeoutArgs is passed with EventSessionTimeout, after the core has
// already reverted to the default session.
type SessionTimeoutArgs struct{}
