package server

import (
	"encoding/binary"
	"time"

	uds "github.com/vdiag/gouds"
	"github.com/vdiag/gouds/internal/metrics"
	"github.com/vdiag/gouds/pkg/isotp"
)

// handleRequest decodes a reassembled request, runs the dispatcher and sends
// the response. Request activity re-arms the S3 watchdog.
func (srv *Server) handleRequest(req []byte, functional bool) {
	if len(req) == 0 {
		return
	}
	srv.s3Deadline = time.Now().Add(srv.cfg.S3)

	sid := req[0]
	result, resp, suppress := srv.serve(sid, req)
	srv.conclude(sid, req, functional, result, resp, suppress)
}

func (srv *Server) conclude(sid uint8, req []byte, functional bool, result Result, resp []byte, suppress bool) {
	switch result.kind {
	case kindHandled, kindContinue:
		if suppress {
			return
		}
		if err := srv.tp.Send(resp, false); err != nil {
			srv.logger.Warn("failed to send response", "sid", sid, "err", err)
		}
	case kindPending:
		srv.pending = &pendingRequest{req: req, sid: sid, lastRCRRP: time.Now()}
		srv.sendNegative(sid, uds.NRCResponsePending, functional)
	default:
		srv.sendNegative(sid, result.nrc, functional)
	}
	if result.kind != kindPending {
		srv.pending = nil
	}
}

// continuePending re-runs the chain for a request answered with 0x78. A
// further RCR-RP is only re-emitted once P2* elapsed since the previous one.
func (srv *Server) continuePending() {
	p := srv.pending
	result, resp, suppress := srv.serve(p.sid, p.req)
	if result.kind == kindPending {
		if time.Since(p.lastRCRRP) >= srv.p2Star {
			p.lastRCRRP = time.Now()
			srv.sendNegative(p.sid, uds.NRCResponsePending, false)
		}
		return
	}
	srv.pending = nil
	srv.conclude(p.sid, p.req, false, result, resp, suppress)
}

// Negative response codes never sent for functionally addressed requests.
var functionallySuppressedNRCs = map[uds.NRC]bool{
	uds.NRCServiceNotSupported:                    true,
	uds.NRCSubFunctionNotSupported:                true,
	uds.NRCRequestOutOfRange:                      true,
	uds.NRCServiceNotSupportedInActiveSession:     true,
	uds.NRCSubFunctionNotSupportedInActiveSession: true,
}

func (srv *Server) sendNegative(sid uint8, nrc uds.NRC, functional bool) {
	if functional && functionallySuppressedNRCs[nrc] {
		return
	}
	metrics.NegativeResponses.Inc()
	if err := srv.tp.Send([]byte{uds.NegativeResponseSID, sid, uint8(nrc)}, false); err != nil {
		srv.logger.Warn("failed to send negative response", "sid", sid, "err", err)
	}
}

// serve decodes one request and runs the matching event chain. It returns
// the triage result, the assembled positive response and whether the
// positive response is suppressed.
func (srv *Server) serve(sid uint8, req []byte) (Result, []byte, bool) {
	switch sid {
	case uds.SIDDiagnosticSessionControl:
		return srv.serveSessionControl(req)
	case uds.SIDECUReset:
		return srv.serveECUReset(req)
	case uds.SIDReadDataByIdentifier:
		return srv.serveRDBI(req)
	case uds.SIDWriteDataByIdentifier:
		return srv.serveWDBI(req)
	case uds.SIDSecurityAccess:
		return srv.serveSecurityAccess(req)
	case uds.SIDCommunicationControl:
		return srv.serveCommControl(req)
	case uds.SIDIOControlByIdentifier:
		return srv.serveIOControl(req)
	case uds.SIDRoutineControl:
		return srv.serveRoutineControl(req)
	case uds.SIDRequestFileTransfer:
		return srv.serveRequestFileTransfer(req)
	case uds.SIDTransferData:
		return srv.serveTransferData(req)
	case uds.SIDRequestTransferExit:
		return srv.serveTransferExit(req)
	case uds.SIDTesterPresent:
		return srv.serveTesterPresent(req)
	default:
		return Reject(uds.NRCServiceNotSupported), nil, false
	}
}

// subFunction splits the suppress-positive-response bit off a sub-function.
func subFunction(raw uint8) (sf uint8, suppress bool) {
	return raw & 0x7F, raw&uds.SuppressPosRespBit != 0
}

func (srv *Server) serveSessionControl(req []byte) (Result, []byte, bool) {
	if len(req) < 2 {
		return Reject(uds.NRCIncorrectMessageLengthOrInvalidFormat), nil, false
	}
	sf, suppress := subFunction(req[1])
	args := &DiagSessionControlArgs{Type: sf, P2: srv.p2, P2Star: srv.p2Star}
	result := srv.dispatch(EventDiagSessionControl, args)
	if result.kind != kindHandled {
		return result, nil, suppress
	}
	srv.sessionType = sf
	srv.p2 = args.P2
	srv.p2Star = args.P2Star
	if sf == uds.SessionDefault {
		srv.securityLevel = 0
	} else {
		srv.s3Deadline = time.Now().Add(srv.cfg.S3)
	}
	p2ms := args.P2.Milliseconds()
	p2star10ms := args.P2Star.Milliseconds() / 10
	resp := []byte{
		sid(uds.SIDDiagnosticSessionControl), sf,
		uint8(p2ms >> 8), uint8(p2ms),
		uint8(p2star10ms >> 8), uint8(p2star10ms),
	}
	return result, resp, suppress
}

func (srv *Server) serveECUReset(req []byte) (Result, []byte, bool) {
	if len(req) < 2 {
		return Reject(uds.NRCIncorrectMessageLengthOrInvalidFormat), nil, false
	}
	sf, suppress := subFunction(req[1])
	args := &ECUResetArgs{Type: sf}
	result := srv.dispatch(EventECUReset, args)
	if result.kind != kindHandled {
		return result, nil, suppress
	}
	if args.PowerDownTime > 0 {
		srv.scheduledReset = &scheduledReset{resetType: sf, at: time.Now().Add(args.PowerDownTime)}
	}
	return result, []byte{sid(uds.SIDECUReset), sf}, suppress
}

func (srv *Server) serveRDBI(req []byte) (Result, []byte, bool) {
	if len(req) < 3 || (len(req)-1)%2 != 0 {
		return Reject(uds.NRCIncorrectMessageLengthOrInvalidFormat), nil, false
	}
	resp := []byte{sid(uds.SIDReadDataByIdentifier)}
	for offset := 1; offset < len(req); offset += 2 {
		did := binary.BigEndian.Uint16(req[offset : offset+2])
		args := &RDBIArgs{DID: did}
		args.Copy = func(data []byte) Result {
			resp = append(resp, uint8(did>>8), uint8(did))
			resp = append(resp, data...)
			return Handled()
		}
		result := srv.dispatch(EventReadDataByIdent, args)
		if result.kind != kindHandled {
			return result, nil, false
		}
	}
	return Handled(), resp, false
}

func (srv *Server) serveWDBI(req []byte) (Result, []byte, bool) {
	if len(req) < 4 {
		return Reject(uds.NRCIncorrectMessageLengthOrInvalidFormat), nil, false
	}
	did := binary.BigEndian.Uint16(req[1:3])
	args := &WDBIArgs{DID: did, Data: req[3:]}
	result := srv.dispatch(EventWriteDataByIdent, args)
	if result.kind != kindHandled {
		return result, nil, false
	}
	return result, []byte{sid(uds.SIDWriteDataByIdentifier), uint8(did >> 8), uint8(did)}, false
}

func (srv *Server) serveSecurityAccess(req []byte) (Result, []byte, bool) {
	if len(req) < 2 {
		return Reject(uds.NRCIncorrectMessageLengthOrInvalidFormat), nil, false
	}
	sf, suppress := subFunction(req[1])
	if sf == 0 {
		return Reject(uds.NRCSubFunctionNotSupported), nil, suppress
	}
	resp := []byte{sid(uds.SIDSecurityAccess), sf}
	if sf%2 == 1 {
		args := &SecAccessRequestSeedArgs{Level: sf, Record: req[2:]}
		args.CopySeed = func(seed []byte) Result {
			resp = append(resp, seed...)
			return Handled()
		}
		result := srv.dispatch(EventSecAccessRequestSeed, args)
		if result.kind != kindHandled {
			return result, nil, suppress
		}
		return result, resp, suppress
	}
	args := &SecAccessValidateKeyArgs{Level: sf - 1, Key: req[2:]}
	result := srv.dispatch(EventSecAccessValidateKey, args)
	if result.kind != kindHandled {
		return result, nil, suppress
	}
	srv.securityLevel = sf - 1
	return result, resp, suppress
}

func (srv *Server) serveCommControl(req []byte) (Result, []byte, bool) {
	if len(req) < 3 {
		return Reject(uds.NRCIncorrectMessageLengthOrInvalidFormat), nil, false
	}
	ctrl, suppress := subFunction(req[1])
	args := &CommControlArgs{Control: ctrl, CommType: req[2]}
	if ctrl == uds.CommCtrlEnableRxDisTxEA || ctrl == uds.CommCtrlEnableRxTxEA {
		if len(req) < 5 {
			return Reject(uds.NRCIncorrectMessageLengthOrInvalidFormat), nil, suppress
		}
		args.NodeID = binary.BigEndian.Uint16(req[3:5])
	}
	result := srv.dispatch(EventCommControl, args)
	if result.kind != kindHandled {
		return result, nil, suppress
	}
	// Global sub-functions are applied by the core; the node-scoped ones
	// were already applied by the handler if the node id matched.
	if ctrl <= uds.CommCtrlDisRxTx {
		srv.applyCommState(ctrl, args.CommType)
	}
	return result, []byte{sid(uds.SIDCommunicationControl), ctrl}, suppress
}

func (srv *Server) serveIOControl(req []byte) (Result, []byte, bool) {
	if len(req) < 4 {
		return Reject(uds.NRCIncorrectMessageLengthOrInvalidFormat), nil, false
	}
	did := binary.BigEndian.Uint16(req[1:3])
	param := req[3]
	resp := []byte{sid(uds.SIDIOControlByIdentifier), uint8(did >> 8), uint8(did), param}
	args := &IOControlArgs{DID: did, Param: param, CtrlStateAndMask: req[4:]}
	args.Copy = func(state []byte) Result {
		resp = append(resp, state...)
		return Handled()
	}
	result := srv.dispatch(EventIOControl, args)
	if result.kind != kindHandled {
		return result, nil, false
	}
	return result, resp, false
}

func (srv *Server) serveRoutineControl(req []byte) (Result, []byte, bool) {
	if len(req) < 4 {
		return Reject(uds.NRCIncorrectMessageLengthOrInvalidFormat), nil, false
	}
	sf, suppress := subFunction(req[1])
	rid := binary.BigEndian.Uint16(req[2:4])
	resp := []byte{sid(uds.SIDRoutineControl), sf, uint8(rid >> 8), uint8(rid)}
	args := &RoutineControlArgs{Type: sf, ID: rid, Option: req[4:]}
	args.CopyStatus = func(status []byte) Result {
		resp = append(resp, status...)
		return Handled()
	}
	result := srv.dispatch(EventRoutineControl, args)
	if result.kind != kindHandled {
		return result, nil, suppress
	}
	return result, resp, suppress
}

func (srv *Server) serveRequestFileTransfer(req []byte) (Result, []byte, bool) {
	if len(req) < 4 {
		return Reject(uds.NRCIncorrectMessageLengthOrInvalidFormat), nil, false
	}
	mode := req[1]
	pathLen := int(binary.BigEndian.Uint16(req[2:4]))
	if pathLen == 0 || len(req) < 4+pathLen+1 {
		return Reject(uds.NRCIncorrectMessageLengthOrInvalidFormat), nil, false
	}
	args := &RequestFileTransferArgs{
		Mode:       mode,
		Path:       string(req[4 : 4+pathLen]),
		DataFormat: req[4+pathLen],
	}
	if mode == uds.MoopAddFile || mode == uds.MoopReplaceFile {
		rest := req[4+pathLen+1:]
		if len(rest) < 1 {
			return Reject(uds.NRCIncorrectMessageLengthOrInvalidFormat), nil, false
		}
		sizeLen := int(rest[0])
		if sizeLen == 0 || sizeLen > 8 || len(rest) < 1+2*sizeLen {
			return Reject(uds.NRCIncorrectMessageLengthOrInvalidFormat), nil, false
		}
		args.SizeUncompressed = readSize(rest[1 : 1+sizeLen])
		args.SizeCompressed = readSize(rest[1+sizeLen : 1+2*sizeLen])
	}
	result := srv.dispatch(EventRequestFileTransfer, args)
	if result.kind != kindHandled {
		return result, nil, false
	}
	resp := []byte{
		sid(uds.SIDRequestFileTransfer), mode,
		0x02, uint8(args.MaxBlockLength >> 8), uint8(args.MaxBlockLength),
		args.DataFormat,
	}
	if mode == uds.MoopReadFile {
		resp = append(resp, 0x00, 0x04)
		resp = binary.BigEndian.AppendUint32(resp, uint32(args.SizeUncompressed))
		resp = binary.BigEndian.AppendUint32(resp, uint32(args.SizeCompressed))
	}
	return result, resp, false
}

func readSize(raw []byte) uint64 {
	var size uint64
	for _, b := range raw {
		size = size<<8 | uint64(b)
	}
	return size
}

func (srv *Server) serveTransferData(req []byte) (Result, []byte, bool) {
	if len(req) < 2 {
		return Reject(uds.NRCIncorrectMessageLengthOrInvalidFormat), nil, false
	}
	seq := req[1]
	resp := []byte{sid(uds.SIDTransferData), seq}
	args := &TransferDataArgs{
		Sequence:   seq,
		Data:       req[2:],
		MaxRespLen: isotp.MaxMessageSize - 2,
	}
	args.CopyResponse = func(data []byte) Result {
		resp = append(resp, data...)
		return Handled()
	}
	result := srv.dispatch(EventTransferData, args)
	if result.kind != kindHandled {
		return result, nil, false
	}
	return result, resp, false
}

func (srv *Server) serveTransferExit(req []byte) (Result, []byte, bool) {
	resp := []byte{sid(uds.SIDRequestTransferExit)}
	args := &RequestTransferExitArgs{Data: req[1:]}
	args.CopyResponse = func(data []byte) Result {
		resp = append(resp, data...)
		return Handled()
	}
	result := srv.dispatch(EventRequestTransferExit, args)
	if result.kind != kindHandled {
		return result, nil, false
	}
	return result, resp, false
}

// TesterPresent is served by the core itself, no event is dispatched.
func (srv *Server) serveTesterPresent(req []byte) (Result, []byte, bool) {
	if len(req) < 2 {
		return Reject(uds.NRCIncorrectMessageLengthOrInvalidFormat), nil, false
	}
	sf, suppress := subFunction(req[1])
	if sf != uds.TesterPresentZeroSubFn {
		return Reject(uds.NRCSubFunctionNotSupported), nil, suppress
	}
	return Handled(), []byte{sid(uds.SIDTesterPresent), sf}, suppress
}

func sid(request uint8) uint8 {
	return request + uds.PositiveResponseOffset
}
