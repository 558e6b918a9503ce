package services

import (
	"errors"
	"sync"

	uds "github.com/vdiag/gouds"
	"github.com/vdiag/gouds/pkg/server"
)

// ErrDIDNotFound is returned by a ParamBackend when a DID is not in its set.
var ErrDIDNotFound = errors.New("data identifier not found")

// ParamBackend is the non-volatile parameter store behind RDBI/WDBI.
type ParamBackend interface {
	Read(did uint16) ([]byte, error)
	Write(did uint16, data []byte) error
}

// MapBackend is a ParamBackend over an in-memory map.
type MapBackend struct {
	mu     sync.Mutex
	params map[uint16][]byte
}

func NewMapBackend(initial map[uint16][]byte) *MapBackend {
	params := make(map[uint16][]byte, len(initial))
	for did, value := range initial {
		params[did] = append([]byte(nil), value...)
	}
	return &MapBackend{params: params}
}

func (b *MapBackend) Read(did uint16) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	value, ok := b.params[did]
	if !ok {
		return nil, ErrDIDNotFound
	}
	return append([]byte(nil), value...), nil
}

func (b *MapBackend) Write(did uint16, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.params[did]; !ok {
		return ErrDIDNotFound
	}
	b.params[did] = append([]byte(nil), data...)
	return nil
}

// ParamService answers ReadDataByIdentifier (0x22) and WriteDataByIdentifier
// (0x2E). Lookup tries the extended set first and falls back to the general
// set when the DID is not found there.
type ParamService struct {
	Extended ParamBackend
	General  ParamBackend

	rdbiNode server.ServiceNode
	wdbiNode server.ServiceNode
}

func NewParamService(extended ParamBackend, general ParamBackend) *ParamService {
	return &ParamService{Extended: extended, General: general}
}

func (s *ParamService) Mount(srv *server.Server) error {
	s.rdbiNode = server.ServiceNode{
		Event:    server.EventReadDataByIdent,
		Priority: server.PrioNormal,
		Name:     "param_rdbi",
		Handler:  s.handleRDBI,
	}
	s.wdbiNode = server.ServiceNode{
		Event:    server.EventWriteDataByIdent,
		Priority: server.PrioNormal,
		Name:     "param_wdbi",
		Handler:  s.handleWDBI,
	}
	if err := srv.Register(&s.rdbiNode); err != nil {
		return err
	}
	return srv.Register(&s.wdbiNode)
}

func (s *ParamService) Unmount(srv *server.Server) {
	srv.Unregister(&s.rdbiNode)
	srv.Unregister(&s.wdbiNode)
}

func (s *ParamService) read(did uint16) ([]byte, error) {
	data, err := s.Extended.Read(did)
	if errors.Is(err, ErrDIDNotFound) && s.General != nil {
		data, err = s.General.Read(did)
	}
	return data, err
}

func (s *ParamService) write(did uint16, value []byte) error {
	err := s.Extended.Write(did, value)
	if errors.Is(err, ErrDIDNotFound) && s.General != nil {
		err = s.General.Write(did, value)
	}
	return err
}

func (s *ParamService) handleRDBI(srv *server.Server, data any) server.Result {
	args := data.(*server.RDBIArgs)
	value, err := s.read(args.DID)
	if errors.Is(err, ErrDIDNotFound) {
		return server.NotMine()
	}
	if err != nil {
		return server.Reject(uds.NRCConditionsNotCorrect)
	}
	return args.Copy(value)
}

func (s *ParamService) handleWDBI(srv *server.Server, data any) server.Result {
	args := data.(*server.WDBIArgs)
	err := s.write(args.DID, args.Data)
	if errors.Is(err, ErrDIDNotFound) {
		return server.NotMine()
	}
	if err != nil {
		return server.Reject(uds.NRCConditionsNotCorrect)
	}
	return server.Handled()
}
