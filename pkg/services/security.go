package services

import (
	"crypto/rand"
	"encoding/binary"

	uds "github.com/vdiag/gouds"
	"github.com/vdiag/gouds/pkg/seedkey"
	"github.com/vdiag/gouds/pkg/server"
)

// SecurityService implements SecurityAccess (0x27) for one security level.
// Register one instance per supported odd level. The seed is single use: it
// is cleared by any validate-key attempt and on session timeout.
type SecurityService struct {
	SupportedLevel uint8
	Algorithm      seedkey.Algorithm

	// Seed source, overridable for tests. Production servers should back
	// this with a TRNG.
	GenerateSeed func() uint32

	currentSeed uint32

	seedNode    server.ServiceNode
	keyNode     server.ServiceNode
	timeoutNode server.ServiceNode
}

func NewSecurityService(level uint8, algorithm seedkey.Algorithm) *SecurityService {
	return &SecurityService{
		SupportedLevel: level,
		Algorithm:      algorithm,
		GenerateSeed:   randomSeed,
	}
}

func randomSeed() uint32 {
	var raw [4]byte
	_, _ = rand.Read(raw[:])
	seed := binary.BigEndian.Uint32(raw[:])
	if seed == 0 {
		// 0 means "no outstanding seed", never hand it out
		seed = 1
	}
	return seed
}

func (s *SecurityService) Mount(srv *server.Server) error {
	s.seedNode = server.ServiceNode{
		Event:    server.EventSecAccessRequestSeed,
		Priority: server.PrioNormal,
		Name:     "sec_seed",
		Handler:  s.handleRequestSeed,
	}
	s.keyNode = server.ServiceNode{
		Event:    server.EventSecAccessValidateKey,
		Priority: server.PrioNormal,
		Name:     "sec_key",
		Handler:  s.handleValidateKey,
	}
	s.timeoutNode = server.ServiceNode{
		Event:    server.EventSessionTimeout,
		Priority: server.PrioHigh,
		Name:     "sec_timeout",
		Handler:  s.handleSessionTimeout,
	}
	for _, node := range []*server.ServiceNode{&s.seedNode, &s.keyNode, &s.timeoutNode} {
		if err := srv.Register(node); err != nil {
			return err
		}
	}
	return nil
}

func (s *SecurityService) Unmount(srv *server.Server) {
	srv.Unregister(&s.seedNode)
	srv.Unregister(&s.keyNode)
	srv.Unregister(&s.timeoutNode)
}

func (s *SecurityService) handleRequestSeed(srv *server.Server, data any) server.Result {
	args := data.(*server.SecAccessRequestSeedArgs)
	if args.Level != s.SupportedLevel {
		return server.NotMine()
	}
	logger := srv.Logger()
	logger.Info("seed requested", "level", args.Level)

	var seed [4]byte
	if srv.SecurityLevel() == args.Level {
		// ISO 14229-1: an already unlocked level answers with a zero seed
		logger.Debug("already unlocked, sending zero seed")
		return args.CopySeed(seed[:])
	}

	s.currentSeed = s.GenerateSeed()
	binary.BigEndian.PutUint32(seed[:], s.currentSeed)
	logger.Debug("generated seed", "seed", s.currentSeed)
	return args.CopySeed(seed[:])
}

func (s *SecurityService) handleValidateKey(srv *server.Server, data any) server.Result {
	args := data.(*server.SecAccessValidateKeyArgs)
	if args.Level != s.SupportedLevel {
		return server.NotMine()
	}
	logger := srv.Logger()
	logger.Info("validate key", "level", args.Level)

	if s.currentSeed == 0 {
		logger.Warn("key sent without a prior seed request")
		return server.Reject(uds.NRCRequestSequenceError)
	}
	if len(args.Key) != 4 {
		s.currentSeed = 0
		return server.Reject(uds.NRCIncorrectMessageLengthOrInvalidFormat)
	}

	var seed [4]byte
	binary.BigEndian.PutUint32(seed[:], s.currentSeed)
	// One-time use, cleared before the comparison result is known
	s.currentSeed = 0

	expected, err := s.Algorithm.ComputeKey(seed[:])
	if err != nil {
		return server.Reject(uds.NRCConditionsNotCorrect)
	}
	received := binary.BigEndian.Uint32(args.Key)
	if received != binary.BigEndian.Uint32(expected) {
		logger.Warn("invalid key", "received", received)
		return server.Reject(uds.NRCInvalidKey)
	}
	logger.Info("security access granted", "level", args.Level)
	return server.Handled()
}

func (s *SecurityService) handleSessionTimeout(srv *server.Server, data any) server.Result {
	if s.currentSeed != 0 {
		srv.Logger().Debug("timeout, clearing seed state", "level", s.SupportedLevel)
		s.currentSeed = 0
	}
	return server.Continue()
}
