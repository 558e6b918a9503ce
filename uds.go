// Package uds holds the protocol constants and the shared CAN plumbing used
// by both the diagnostic client and the diagnostic server.
package uds

// UDS service identifiers implemented by this stack.
const (
	SIDDiagnosticSessionControl uint8 = 0x10
	SIDECUReset                 uint8 = 0x11
	SIDReadDataByIdentifier     uint8 = 0x22
	SIDSecurityAccess           uint8 = 0x27
	SIDCommunicationControl     uint8 = 0x28
	SIDWriteDataByIdentifier    uint8 = 0x2E
	SIDIOControlByIdentifier    uint8 = 0x2F
	SIDRoutineControl           uint8 = 0x31
	SIDTransferData             uint8 = 0x36
	SIDRequestTransferExit      uint8 = 0x37
	SIDRequestFileTransfer      uint8 = 0x38
	SIDTesterPresent            uint8 = 0x3E
)

// A positive response echoes the request SID shifted by this offset.
const PositiveResponseOffset uint8 = 0x40

// First byte of every negative response frame.
const NegativeResponseSID uint8 = 0x7F

// Sub-function bit requesting suppression of the positive response.
const SuppressPosRespBit uint8 = 0x80

// Diagnostic session types (service 0x10 sub-functions).
const (
	SessionDefault     uint8 = 0x01
	SessionProgramming uint8 = 0x02
	SessionExtended    uint8 = 0x03
)

// ECU reset types (service 0x11 sub-functions).
const (
	ResetHard     uint8 = 0x01
	ResetKeyOffOn uint8 = 0x02
	ResetSoft     uint8 = 0x03
)

// Communication control types (service 0x28 sub-functions).
const (
	CommCtrlEnableRxTx      uint8 = 0x00
	CommCtrlEnableRxDisTx   uint8 = 0x01
	CommCtrlDisRxEnableTx   uint8 = 0x02
	CommCtrlDisRxTx         uint8 = 0x03
	CommCtrlEnableRxDisTxEA uint8 = 0x04 // enhanced addressing, node scoped
	CommCtrlEnableRxTxEA    uint8 = 0x05 // enhanced addressing, node scoped
)

// Communication type scope byte (service 0x28 second parameter).
const (
	CommTypeNormal   uint8 = 0x01
	CommTypeNM       uint8 = 0x02
	CommTypeNormalNM uint8 = 0x03
)

// IO control parameters (service 0x2F).
const (
	IOReturnControlToECU  uint8 = 0x00
	IOResetToDefault      uint8 = 0x01
	IOFreezeCurrentState  uint8 = 0x02
	IOShortTermAdjustment uint8 = 0x03
)

// Routine control types (service 0x31 sub-functions).
const (
	RoutineStart         uint8 = 0x01
	RoutineStop          uint8 = 0x02
	RoutineRequestResult uint8 = 0x03
)

// Modes of operation for RequestFileTransfer (service 0x38).
const (
	MoopAddFile     uint8 = 0x01
	MoopDeleteFile  uint8 = 0x02
	MoopReplaceFile uint8 = 0x03
	MoopReadFile    uint8 = 0x04
)

// TesterPresent zeroSubFunction.
const TesterPresentZeroSubFn uint8 = 0x00
