package uds

import "errors"

// NRC is a UDS negative response code, the third byte of a 0x7F reply.
// The zero value means "positive response / no error".
type NRC uint8

const (
	NRCGeneralReject                          NRC = 0x10
	NRCServiceNotSupported                    NRC = 0x11
	NRCSubFunctionNotSupported                NRC = 0x12
	NRCIncorrectMessageLengthOrInvalidFormat  NRC = 0x13
	NRCConditionsNotCorrect                   NRC = 0x22
	NRCRequestSequenceError                   NRC = 0x24
	NRCRequestOutOfRange                      NRC = 0x31
	NRCSecurityAccessDenied                   NRC = 0x33
	NRCInvalidKey                             NRC = 0x35
	NRCGeneralProgrammingFailure              NRC = 0x72
	NRCResponsePending                        NRC = 0x78
	NRCSubFunctionNotSupportedInActiveSession NRC = 0x7E
	NRCServiceNotSupportedInActiveSession     NRC = 0x7F
)

// A map between the codes and their ISO 14229 descriptions
var nrcDescriptions = map[NRC]string{
	NRCGeneralReject:                          "General reject",
	NRCServiceNotSupported:                    "Service not supported",
	NRCSubFunctionNotSupported:                "Sub-function not supported",
	NRCIncorrectMessageLengthOrInvalidFormat:  "Incorrect message length or invalid format",
	NRCConditionsNotCorrect:                   "Conditions not correct",
	NRCRequestSequenceError:                   "Request sequence error",
	NRCRequestOutOfRange:                      "Request out of range",
	NRCSecurityAccessDenied:                   "Security access denied",
	NRCInvalidKey:                             "Invalid key",
	NRCGeneralProgrammingFailure:              "General programming failure",
	NRCResponsePending:                        "Request correctly received, response pending",
	NRCSubFunctionNotSupportedInActiveSession: "Sub-function not supported in active session",
	NRCServiceNotSupportedInActiveSession:     "Service not supported in active session",
}

func (nrc NRC) Error() string {
	description, ok := nrcDescriptions[nrc]
	if ok {
		return description
	}
	return "Unknown negative response code"
}

var (
	// ErrTransport reports a synchronous CAN/ISO-TP write failure.
	ErrTransport = errors.New("transport error")
	// ErrBusy reports an operation attempted while a transaction is in flight.
	ErrBusy = errors.New("client busy, transaction in progress")
	// ErrTimeout reports an expired transaction deadline.
	ErrTimeout = errors.New("transaction timeout")
)
