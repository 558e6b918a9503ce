package client

import (
	"encoding/binary"
	"fmt"

	uds "github.com/vdiag/gouds"
)

// Request encoders. Each transitions the client to Sending and returns
// immediately; completion is observed through Poll / WaitTransaction.

func (c *Client) SendDiagSessCtrl(sessionType uint8) error {
	sf, suppressed := c.subFn(sessionType)
	return c.send([]byte{uds.SIDDiagnosticSessionControl, sf}, false, suppressed)
}

func (c *Client) SendECUReset(resetType uint8) error {
	sf, suppressed := c.subFn(resetType)
	return c.send([]byte{uds.SIDECUReset, sf}, false, suppressed)
}

func (c *Client) SendRDBI(dids []uint16) error {
	if len(dids) == 0 {
		return fmt.Errorf("rdbi: at least one data identifier required")
	}
	req := []byte{uds.SIDReadDataByIdentifier}
	for _, did := range dids {
		req = binary.BigEndian.AppendUint16(req, did)
	}
	return c.send(req, false, false)
}

func (c *Client) SendWDBI(did uint16, data []byte) error {
	req := []byte{uds.SIDWriteDataByIdentifier}
	req = binary.BigEndian.AppendUint16(req, did)
	req = append(req, data...)
	return c.send(req, false, false)
}

// SendSecurityAccess sends a requestSeed (odd level, empty record) or a
// sendKey (even level, key bytes) request.
func (c *Client) SendSecurityAccess(level uint8, record []byte) error {
	req := append([]byte{uds.SIDSecurityAccess, level}, record...)
	return c.send(req, false, false)
}

func (c *Client) SendCommCtrl(ctrl uint8, commType uint8) error {
	sf, suppressed := c.subFn(ctrl)
	return c.send([]byte{uds.SIDCommunicationControl, sf, commType}, false, suppressed)
}

func (c *Client) SendCommCtrlWithNodeID(ctrl uint8, commType uint8, nodeID uint16) error {
	sf, suppressed := c.subFn(ctrl)
	req := []byte{uds.SIDCommunicationControl, sf, commType}
	req = binary.BigEndian.AppendUint16(req, nodeID)
	return c.send(req, false, suppressed)
}

func (c *Client) SendIOControl(did uint16, param uint8, ctrlStateAndMask []byte) error {
	req := []byte{uds.SIDIOControlByIdentifier}
	req = binary.BigEndian.AppendUint16(req, did)
	req = append(req, param)
	req = append(req, ctrlStateAndMask...)
	return c.send(req, false, false)
}

func (c *Client) SendRoutineCtrl(ctrlType uint8, routineID uint16, option []byte) error {
	req := []byte{uds.SIDRoutineControl, ctrlType}
	req = binary.BigEndian.AppendUint16(req, routineID)
	req = append(req, option...)
	return c.send(req, false, false)
}

// SendRequestFileTransfer opens a file transfer session. For read requests
// the size fields are omitted from the wire format.
func (c *Client) SendRequestFileTransfer(mode uint8, path string, dataFormat uint8,
	sizeUncompressed uint64, sizeCompressed uint64) error {
	if len(path) == 0 || len(path) > 0xFFFF {
		return fmt.Errorf("file transfer: invalid path length %d", len(path))
	}
	req := []byte{uds.SIDRequestFileTransfer, mode}
	req = binary.BigEndian.AppendUint16(req, uint16(len(path)))
	req = append(req, path...)
	req = append(req, dataFormat)
	if mode == uds.MoopAddFile || mode == uds.MoopReplaceFile {
		req = append(req, 4)
		req = binary.BigEndian.AppendUint32(req, uint32(sizeUncompressed))
		req = binary.BigEndian.AppendUint32(req, uint32(sizeCompressed))
	}
	return c.send(req, false, false)
}

func (c *Client) SendTransferData(sequence uint8, data []byte) error {
	req := append([]byte{uds.SIDTransferData, sequence}, data...)
	return c.send(req, false, false)
}

func (c *Client) SendRequestTransferExit(data []byte) error {
	req := append([]byte{uds.SIDRequestTransferExit}, data...)
	return c.send(req, false, false)
}

func (c *Client) SendTesterPresent() error {
	sf, suppressed := c.subFn(uds.TesterPresentZeroSubFn)
	return c.send([]byte{uds.SIDTesterPresent, sf}, false, suppressed)
}

// SendTesterPresentFunctional broadcasts a TesterPresent on the functional
// address.
func (c *Client) SendTesterPresentFunctional() error {
	sf, suppressed := c.subFn(uds.TesterPresentZeroSubFn)
	return c.send([]byte{uds.SIDTesterPresent, sf}, true, suppressed)
}

// RequestFileTransferResponse is the decoded positive response of 0x38.
type RequestFileTransferResponse struct {
	Mode                   uint8
	MaxNumberOfBlockLength uint16
	DataFormat             uint8
	SizeUncompressed       uint64
	SizeCompressed         uint64
}

// UnpackRequestFileTransferResponse decodes the receive buffer after a
// successful RequestFileTransfer transaction.
func (c *Client) UnpackRequestFileTransferResponse() (RequestFileTransferResponse, error) {
	var resp RequestFileTransferResponse
	buf := c.recvBuf
	if len(buf) < 6 || buf[0] != uds.SIDRequestFileTransfer+uds.PositiveResponseOffset {
		return resp, fmt.Errorf("not a RequestFileTransfer response")
	}
	resp.Mode = buf[1]
	lengthFormat := int(buf[2])
	if lengthFormat == 0 || len(buf) < 3+lengthFormat+1 {
		return resp, fmt.Errorf("malformed RequestFileTransfer response")
	}
	var maxBlock uint64
	for _, b := range buf[3 : 3+lengthFormat] {
		maxBlock = maxBlock<<8 | uint64(b)
	}
	resp.MaxNumberOfBlockLength = uint16(maxBlock)
	resp.DataFormat = buf[3+lengthFormat]
	rest := buf[3+lengthFormat+1:]
	if resp.Mode == uds.MoopReadFile && len(rest) >= 2 {
		sizeLen := int(binary.BigEndian.Uint16(rest[:2]))
		if sizeLen > 0 && len(rest) >= 2+2*sizeLen {
			var uncompressed, compressed uint64
			for _, b := range rest[2 : 2+sizeLen] {
				uncompressed = uncompressed<<8 | uint64(b)
			}
			for _, b := range rest[2+sizeLen : 2+2*sizeLen] {
				compressed = compressed<<8 | uint64(b)
			}
			resp.SizeUncompressed = uncompressed
			resp.SizeCompressed = compressed
		}
	}
	return resp, nil
}
