package services

import (
	"encoding/binary"
	"errors"
	"io"
	"os"

	uds "github.com/vdiag/gouds"
	"github.com/vdiag/gouds/internal/crc"
	"github.com/vdiag/gouds/pkg/server"
)

// DefaultChunkSize bounds one TransferData payload on the server side.
const DefaultChunkSize = 1024

type fileMode uint8

const (
	fileIdle fileMode = iota
	fileWriting
	fileReading
)

// FileService implements block-wise file transfer over RequestFileTransfer
// (0x38), TransferData (0x36) and RequestTransferExit (0x37) with a running
// CRC-32 integrity check. At most one transfer session is active at a time.
type FileService struct {
	ChunkSize int

	file        *os.File
	mode        fileMode
	totalSize   uint64
	currentPos  uint64
	currentPath string
	currentCRC  crc.CRC32

	reqNode     server.ServiceNode
	dataNode    server.ServiceNode
	exitNode    server.ServiceNode
	timeoutNode server.ServiceNode
}

func NewFileService() *FileService {
	return &FileService{ChunkSize: DefaultChunkSize}
}

func (s *FileService) Mount(srv *server.Server) error {
	s.reqNode = server.ServiceNode{
		Event: server.EventRequestFileTransfer, Priority: server.PrioNormal,
		Name: "file_req", Handler: s.handleFileRequest,
	}
	s.dataNode = server.ServiceNode{
		Event: server.EventTransferData, Priority: server.PrioNormal,
		Name: "file_data", Handler: s.handleTransferData,
	}
	s.exitNode = server.ServiceNode{
		Event: server.EventRequestTransferExit, Priority: server.PrioNormal,
		Name: "file_exit", Handler: s.handleTransferExit,
	}
	s.timeoutNode = server.ServiceNode{
		Event: server.EventSessionTimeout, Priority: server.PrioHighest,
		Name: "file_timeout", Handler: s.handleSessionTimeout,
	}
	for _, node := range []*server.ServiceNode{&s.reqNode, &s.dataNode, &s.exitNode, &s.timeoutNode} {
		if err := srv.Register(node); err != nil {
			return err
		}
	}
	return nil
}

func (s *FileService) Unmount(srv *server.Server) {
	srv.Unregister(&s.reqNode)
	srv.Unregister(&s.dataNode)
	srv.Unregister(&s.exitNode)
	srv.Unregister(&s.timeoutNode)
}

func (s *FileService) closeSession() {
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
	s.mode = fileIdle
}

func (s *FileService) handleFileRequest(srv *server.Server, data any) server.Result {
	args := data.(*server.RequestFileTransferArgs)

	// A new request supersedes any prior session
	s.closeSession()

	s.currentPath = args.Path
	s.currentCRC = 0
	s.currentPos = 0

	protoLimit := srv.MTU() - 2
	blockLen := s.ChunkSize
	if protoLimit < blockLen {
		blockLen = protoLimit
	}
	args.MaxBlockLength = uint16(blockLen)

	switch args.Mode {
	case uds.MoopAddFile, uds.MoopReplaceFile:
		file, err := os.OpenFile(args.Path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			return server.Reject(uds.NRCConditionsNotCorrect)
		}
		s.file = file
		s.totalSize = args.SizeUncompressed
		s.mode = fileWriting
		srv.Logger().Info("upload session opened", "path", args.Path, "size", args.SizeUncompressed)
		return server.Handled()

	case uds.MoopReadFile:
		file, err := os.Open(args.Path)
		if err != nil {
			return server.Reject(uds.NRCRequestOutOfRange)
		}
		info, err := file.Stat()
		if err != nil {
			file.Close()
			return server.Reject(uds.NRCConditionsNotCorrect)
		}
		s.file = file
		s.totalSize = uint64(info.Size())
		s.mode = fileReading
		args.SizeUncompressed = s.totalSize
		args.SizeCompressed = s.totalSize
		srv.Logger().Info("download session opened", "path", args.Path, "size", s.totalSize)
		return server.Handled()

	default:
		return server.Reject(uds.NRCSubFunctionNotSupported)
	}
}

func (s *FileService) handleTransferData(srv *server.Server, data any) server.Result {
	args := data.(*server.TransferDataArgs)
	if s.file == nil {
		return server.Reject(uds.NRCConditionsNotCorrect)
	}

	switch s.mode {
	case fileWriting:
		n, err := s.file.Write(args.Data)
		if err != nil || n != len(args.Data) {
			return server.Reject(uds.NRCGeneralProgrammingFailure)
		}
		s.currentPos += uint64(n)
		s.currentCRC.Update(args.Data)
		return server.Handled()

	case fileReading:
		chunk := s.ChunkSize
		if args.MaxRespLen < chunk {
			chunk = args.MaxRespLen
		}
		buf := make([]byte, chunk)
		n, err := s.file.Read(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			return server.Reject(uds.NRCGeneralProgrammingFailure)
		}
		if n > 0 {
			s.currentPos += uint64(n)
			s.currentCRC.Update(buf[:n])
			return args.CopyResponse(buf[:n])
		}
		// Zero-length payload signals EOF
		return args.CopyResponse(nil)

	default:
		return server.Reject(uds.NRCConditionsNotCorrect)
	}
}

func (s *FileService) handleTransferExit(srv *server.Server, data any) server.Result {
	args := data.(*server.RequestTransferExitArgs)
	if s.file == nil {
		return server.Reject(uds.NRCRequestSequenceError)
	}

	if s.mode == fileWriting {
		if len(args.Data) >= 4 {
			clientCRC := binary.BigEndian.Uint32(args.Data[:4])
			if clientCRC != s.currentCRC.Sum() {
				srv.Logger().Error("crc mismatch, removing file",
					"path", s.currentPath, "server", s.currentCRC.Sum(), "client", clientCRC)
				s.closeSession()
				os.Remove(s.currentPath)
				return server.Reject(uds.NRCGeneralProgrammingFailure)
			}
		}
		s.closeSession()
		return server.Handled()
	}

	// Reading: report the CRC of everything sent
	var crcBuf [4]byte
	binary.BigEndian.PutUint32(crcBuf[:], s.currentCRC.Sum())
	s.closeSession()
	return args.CopyResponse(crcBuf[:])
}

func (s *FileService) handleSessionTimeout(srv *server.Server, data any) server.Result {
	if s.file != nil {
		srv.Logger().Warn("session timeout, closing file", "path", s.currentPath)
		s.closeSession()
	}
	return server.Continue()
}
