// uds-server is the device-under-diagnosis daemon: it binds the UDS server
// core to a CAN bus and mounts the full service set (session, reset,
// parameters, security access, communication control, IO control, remote
// console, file transfer).
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/ini.v1"

	uds "github.com/vdiag/gouds"
	"github.com/vdiag/gouds/internal/metrics"
	can "github.com/vdiag/gouds/pkg/can"
	_ "github.com/vdiag/gouds/pkg/can/slcan"
	_ "github.com/vdiag/gouds/pkg/can/socketcan"
	_ "github.com/vdiag/gouds/pkg/can/virtual"
	"github.com/vdiag/gouds/pkg/seedkey"
	"github.com/vdiag/gouds/pkg/server"
	"github.com/vdiag/gouds/pkg/services"
)

type serverConfig struct {
	busType string
	channel string

	requestID    uint32
	responseID   uint32
	functionalID uint32
	nodeID       uint16

	chunkSize     int
	securityLevel uint8
	keyMask       uint32
	metricsListen string
}

func defaultConfig() serverConfig {
	return serverConfig{
		busType:       "socketcan",
		channel:       "can0",
		requestID:     0x7E0,
		responseID:    0x7E8,
		functionalID:  0x7DF,
		nodeID:        0x0001,
		chunkSize:     services.DefaultChunkSize,
		securityLevel: 0x01,
		keyMask:       0xA5A5A5A5,
	}
}

func parseHex(raw string) (uint64, error) {
	if raw == "" {
		return 0, fmt.Errorf("empty value")
	}
	if len(raw) > 2 && (raw[:2] == "0x" || raw[:2] == "0X") {
		raw = raw[2:]
	}
	return strconv.ParseUint(raw, 16, 32)
}

func loadConfigFile(cfg *serverConfig, path string) error {
	file, err := ini.Load(path)
	if err != nil {
		return err
	}
	canSection := file.Section("can")
	if key := canSection.Key("interface"); key.String() != "" {
		cfg.busType = key.String()
	}
	if key := canSection.Key("channel"); key.String() != "" {
		cfg.channel = key.String()
	}
	udsSection := file.Section("uds")
	for _, entry := range []struct {
		key string
		dst *uint32
	}{
		{"request_id", &cfg.requestID},
		{"response_id", &cfg.responseID},
		{"functional_id", &cfg.functionalID},
	} {
		if raw := udsSection.Key(entry.key).String(); raw != "" {
			value, err := parseHex(raw)
			if err != nil {
				return fmt.Errorf("bad %s: %w", entry.key, err)
			}
			*entry.dst = uint32(value)
		}
	}
	if raw := udsSection.Key("node_id").String(); raw != "" {
		value, err := parseHex(raw)
		if err != nil {
			return fmt.Errorf("bad node_id: %w", err)
		}
		cfg.nodeID = uint16(value)
	}
	if chunk := udsSection.Key("chunk_size").MustInt(0); chunk > 0 {
		cfg.chunkSize = chunk
	}
	secSection := file.Section("security")
	if raw := secSection.Key("level").String(); raw != "" {
		value, err := parseHex(raw)
		if err != nil {
			return fmt.Errorf("bad security level: %w", err)
		}
		cfg.securityLevel = uint8(value)
	}
	if raw := secSection.Key("key_mask").String(); raw != "" {
		value, err := parseHex(raw)
		if err != nil {
			return fmt.Errorf("bad key_mask: %w", err)
		}
		cfg.keyMask = uint32(value)
	}
	cfg.metricsListen = file.Section("metrics").Key("listen").String()
	return nil
}

func run(logger *slog.Logger, cfg serverConfig) error {
	bus, err := can.NewBus(cfg.busType, cfg.channel)
	if err != nil {
		return err
	}
	if err := bus.Connect(); err != nil {
		return err
	}
	defer bus.Disconnect()

	bm := uds.NewBusManager(logger, bus)
	if err := bus.Subscribe(bm); err != nil {
		return err
	}

	srv := server.NewServer(logger, bm, server.Config{
		RequestID:    cfg.requestID,
		ResponseID:   cfg.responseID,
		FunctionalID: cfg.functionalID,
	})

	// Parameter backends: the extended set carries the common identifiers,
	// the general set the device-local ones.
	extended := services.NewMapBackend(map[uint16][]byte{
		0xF190: []byte("GOUDS-DEMO-VIN-000042"), // VIN
		0xF195: {0x01, 0x00},                    // software version
	})
	general := services.NewMapBackend(map[uint16][]byte{
		0x0001: {0x00},
		0x0002: {0x00, 0x00, 0x00, 0x00},
	})

	console := services.NewConsole(os.Stdout)
	execute := func(line string) error {
		cmd := exec.Command("sh", "-c", line)
		cmd.Stdout = console
		cmd.Stderr = console
		return cmd.Run()
	}

	ioService := services.NewIOService()
	ioService.AddNode(&services.IONode{
		DID: 0x0100,
		Handler: func(did uint16, action uint8, ctrlStateAndMask []byte) ([]byte, uds.NRC) {
			logger.Info("io node action", "did", did, "action", action, "state", ctrlStateAndMask)
			return ctrlStateAndMask, 0
		},
	})

	fileService := services.NewFileService()
	fileService.ChunkSize = cfg.chunkSize

	mounts := []interface {
		Mount(*server.Server) error
	}{
		services.NewSessionService(),
		services.NewResetService(func(resetType uint8) {
			logger.Warn("ECU reset, exiting for supervisor restart", "type", resetType)
			os.Exit(0)
		}),
		services.NewParamService(extended, general),
		services.NewSecurityService(cfg.securityLevel, seedkey.XORMask{Mask: cfg.keyMask}),
		services.NewCommControlService(cfg.nodeID),
		ioService,
		services.NewConsoleService(console, execute),
		fileService,
	}
	for _, service := range mounts {
		if err := service.Mount(srv); err != nil {
			return err
		}
	}

	if cfg.metricsListen != "" {
		metrics.Serve(cfg.metricsListen, nil)
		logger.Info("metrics listening", "addr", cfg.metricsListen)
	}

	srv.DumpServices(os.Stderr)
	srv.Start()
	defer srv.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")
	return nil
}

func main() {
	cfg := defaultConfig()
	var configPath string
	var verbose bool

	root := &cobra.Command{
		Use:   "uds-server",
		Short: "UDS diagnostic server over ISO-TP on CAN",
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			if configPath != "" {
				if err := loadConfigFile(&cfg, configPath); err != nil {
					return err
				}
			}
			return run(logger, cfg)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "ini configuration file")
	root.Flags().StringVarP(&cfg.busType, "bus", "b", cfg.busType, "bus backend (socketcan, virtualcan, slcan)")
	root.Flags().StringVarP(&cfg.channel, "interface", "i", cfg.channel, "CAN interface or channel")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
