// uds-client is the tester: it connects a UDS client to the CAN bus and
// drops into the interactive shell.
package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/spf13/cobra"

	uds "github.com/vdiag/gouds"
	can "github.com/vdiag/gouds/pkg/can"
	_ "github.com/vdiag/gouds/pkg/can/slcan"
	_ "github.com/vdiag/gouds/pkg/can/socketcan"
	_ "github.com/vdiag/gouds/pkg/can/virtual"
	"github.com/vdiag/gouds/pkg/client"
	"github.com/vdiag/gouds/pkg/shell"
)

type clientConfig struct {
	busType string
	channel string
	source  string // tester to ECU request id
	target  string // ECU to tester response id
	funcID  string // functional broadcast id
}

func parseHexID(raw string) (uint32, error) {
	raw = strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X")
	value, err := strconv.ParseUint(raw, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid CAN id %q", raw)
	}
	return uint32(value), nil
}

func connectBus(logger *slog.Logger, busType string, channel string) (can.Bus, error) {
	bus, err := can.NewBus(busType, channel)
	if err != nil {
		return nil, err
	}
	err = retry.Do(
		func() error { return bus.Connect() },
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("bus connect failed, retrying", "attempt", n+1, "err", err)
		}),
	)
	if err != nil {
		return nil, err
	}
	return bus, nil
}

func askReconnect() bool {
	fmt.Print("\nConnection lost. Attempt to reconnect? (y/n): ")
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.TrimSpace(answer)
	return answer == "y" || answer == "Y"
}

func run(logger *slog.Logger, cfg clientConfig) error {
	source, err := parseHexID(cfg.source)
	if err != nil {
		return err
	}
	target, err := parseHexID(cfg.target)
	if err != nil {
		return err
	}
	functional, err := parseHexID(cfg.funcID)
	if err != nil {
		return err
	}

	for {
		bus, err := connectBus(logger, cfg.busType, cfg.channel)
		if err != nil {
			return err
		}

		bm := uds.NewBusManager(logger, bus)
		if err := bus.Subscribe(bm); err != nil {
			bus.Disconnect()
			return err
		}

		c := client.NewClient(logger, bm, client.Config{
			RequestID:    source,
			ResponseID:   target,
			FunctionalID: functional,
		})
		logger.Info("connected", "interface", cfg.channel,
			"source", fmt.Sprintf("0x%03X", source), "target", fmt.Sprintf("0x%03X", target))

		sh := shell.New(logger, c, os.Stdin, os.Stdout)
		code := sh.Run()
		bus.Disconnect()

		if code != shell.ExitTimeout {
			return nil
		}
		if !askReconnect() {
			return fmt.Errorf("connection lost")
		}
	}
}

func main() {
	cfg := clientConfig{
		busType: "socketcan",
		channel: "can0",
		source:  "7E0",
		target:  "7E8",
		funcID:  "7DF",
	}
	var verbose bool

	root := &cobra.Command{
		Use:   "uds-client",
		Short: "Interactive UDS tester over ISO-TP on CAN",
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			return run(logger, cfg)
		},
	}
	root.Flags().StringVarP(&cfg.channel, "iface", "i", cfg.channel, "CAN interface or channel")
	root.Flags().StringVarP(&cfg.source, "source", "s", cfg.source, "client source id (hex)")
	root.Flags().StringVarP(&cfg.target, "target", "t", cfg.target, "server target id (hex)")
	root.Flags().StringVarP(&cfg.funcID, "functional", "f", cfg.funcID, "functional broadcast id (hex)")
	root.Flags().StringVarP(&cfg.busType, "bus", "b", cfg.busType, "bus backend (socketcan, virtualcan, slcan)")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
