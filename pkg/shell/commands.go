package shell

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"time"
	"unicode"

	uds "github.com/vdiag/gouds"
	"github.com/vdiag/gouds/pkg/client"
	"github.com/vdiag/gouds/pkg/seedkey"
)

// SecretKeyMask must match the server's demo seed-key algorithm.
const SecretKeyMask uint32 = 0xA5A5A5A5

func parseHexByte(arg string) (uint8, error) {
	v, err := strconv.ParseUint(arg, 16, 8)
	return uint8(v), err
}

func parseHexWord(arg string) (uint16, error) {
	v, err := strconv.ParseUint(arg, 16, 16)
	return uint16(v), err
}

func parseHexBytes(args []string) ([]byte, error) {
	out := make([]byte, 0, len(args))
	for _, arg := range args {
		b, err := parseHexByte(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid hex byte %q", arg)
		}
		out = append(out, b)
	}
	return out, nil
}

func registerSessionCommands(s *Shell) {
	s.commands.Register("session", func(argv []string) error {
		if len(argv) < 2 {
			fmt.Fprintf(s.out, "Usage: session <type_hex>\n")
			fmt.Fprintf(s.out, "  01 : Default session\n")
			fmt.Fprintf(s.out, "  02 : Programming session\n")
			fmt.Fprintf(s.out, "  03 : Extended diagnostic session\n")
			return nil
		}
		sessionType, err := parseHexByte(argv[1])
		if err != nil || sessionType == 0 {
			return fmt.Errorf("invalid session type %q", argv[1])
		}
		return s.client.Transaction(func() error {
			return s.client.SendDiagSessCtrl(sessionType)
		}, "Switching session", s.progress)
	}, "Diagnostic session control (0x10)", "<type>")

	s.commands.Register("auth", func(argv []string) error {
		if len(argv) < 2 {
			fmt.Fprintf(s.out, "Usage: auth <level_hex>\n")
			fmt.Fprintf(s.out, "Note: request the seed level (odd number).\n")
			return nil
		}
		level, err := parseHexByte(argv[1])
		if err != nil {
			return fmt.Errorf("invalid level %q", argv[1])
		}
		return s.performSecurityAccess(level)
	}, "Security access (0x27)", "<level>")

	s.commands.Register("er", func(argv []string) error {
		if len(argv) < 2 {
			fmt.Fprintf(s.out, "Usage: er <type_hex>\n")
			fmt.Fprintf(s.out, "  01: Hard reset  02: Key off/on  03: Soft reset\n")
			return nil
		}
		resetType, err := parseHexByte(argv[1])
		if err != nil {
			return fmt.Errorf("invalid reset type %q", argv[1])
		}
		if err := s.client.Transaction(func() error {
			return s.client.SendECUReset(resetType)
		}, "Resetting ECU", s.progress); err != nil {
			return err
		}
		fmt.Fprintf(s.out, "Reset accepted, ECU is rebooting...\n")
		return nil
	}, "ECU reset (0x11)", "<type>")
}

// performSecurityAccess runs the full seed and key exchange. The two
// transactions are manual because the seed must be parsed between them.
func (s *Shell) performSecurityAccess(level uint8) error {
	if level%2 == 0 {
		return fmt.Errorf("invalid security level 0x%02X (must be odd)", level)
	}
	c := s.client

	if err := c.TransactionTimeout(func() error {
		return c.SendSecurityAccess(level, nil)
	}, "Requesting seed", 2000*time.Millisecond, s.progress); err != nil {
		return err
	}

	buf := c.RecvBuf()
	if len(buf) < 2 || buf[0] != uds.SIDSecurityAccess+uds.PositiveResponseOffset || buf[1] != level {
		return fmt.Errorf("invalid seed response")
	}
	// Some servers answer "already unlocked" with just [SID, level], others
	// with a full-length zero seed. Accept both.
	if len(buf) < 6 || allZero(buf[2:6]) {
		fmt.Fprintf(s.out, "Already unlocked.\n")
		return nil
	}

	seed := buf[2:6]
	algorithm := seedkey.XORMask{Mask: SecretKeyMask}
	key, err := algorithm.ComputeKey(seed)
	if err != nil {
		return err
	}
	s.logger.Debug("seed to key",
		"seed", binary.BigEndian.Uint32(seed), "key", binary.BigEndian.Uint32(key))

	if err := c.Transaction(func() error {
		return c.SendSecurityAccess(level+1, key)
	}, "Verifying key", s.progress); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "Security access granted.\n")
	return nil
}

func allZero(data []byte) bool {
	for _, b := range data {
		if b != 0 {
			return false
		}
	}
	return true
}

func registerParamCommands(s *Shell) {
	s.commands.Register("rdbi", func(argv []string) error {
		if len(argv) < 2 {
			fmt.Fprintf(s.out, "Usage: rdbi <did_hex>\n")
			return nil
		}
		did, err := parseHexWord(argv[1])
		if err != nil {
			return fmt.Errorf("invalid DID %q", argv[1])
		}
		return s.client.Transaction(func() error {
			return s.client.SendRDBI([]uint16{did})
		}, "Reading", s.progress)
	}, "Read data by identifier (0x22)", "<did>")

	s.commands.Register("wdbi", func(argv []string) error {
		if len(argv) < 3 {
			fmt.Fprintf(s.out, "Usage: wdbi <did_hex> <data_hex...>\n")
			return nil
		}
		did, err := parseHexWord(argv[1])
		if err != nil {
			return fmt.Errorf("invalid DID %q", argv[1])
		}
		data, err := parseHexBytes(argv[2:])
		if err != nil {
			return err
		}
		return s.client.Transaction(func() error {
			return s.client.SendWDBI(did, data)
		}, "Writing", s.progress)
	}, "Write data by identifier (0x2E)", "<did> <data...>")

	// Pretty-printer for RDBI positive responses (0x62)
	s.client.Registry().Register(uds.SIDReadDataByIdentifier+uds.PositiveResponseOffset,
		func(c *client.Client) {
			buf := c.RecvBuf()
			if len(buf) < 3 {
				return
			}
			did := uint16(buf[1])<<8 | uint16(buf[2])
			data := buf[3:]
			fmt.Fprintf(s.out, "DID 0x%04X: ", did)
			if len(data) == 0 {
				fmt.Fprintf(s.out, "(no data)\n")
				return
			}
			for _, b := range data {
				fmt.Fprintf(s.out, "%02X ", b)
			}
			fmt.Fprintf(s.out, "| ")
			for _, b := range data {
				if unicode.IsPrint(rune(b)) && b < 0x80 {
					fmt.Fprintf(s.out, "%c", b)
				} else {
					fmt.Fprintf(s.out, ".")
				}
			}
			fmt.Fprintln(s.out)
		})
}

func registerControlCommands(s *Shell) {
	s.commands.Register("io", func(argv []string) error {
		if len(argv) < 3 {
			fmt.Fprintf(s.out, "Usage: io <did_hex> <param_hex> [data...]\n")
			fmt.Fprintf(s.out, "  Params: 00=Return 01=Reset 02=Freeze 03=ShortTerm\n")
			return nil
		}
		did, err := parseHexWord(argv[1])
		if err != nil {
			return fmt.Errorf("invalid DID %q", argv[1])
		}
		param, err := parseHexByte(argv[2])
		if err != nil {
			return fmt.Errorf("invalid param %q", argv[2])
		}
		data, err := parseHexBytes(argv[3:])
		if err != nil {
			return err
		}
		return s.client.Transaction(func() error {
			return s.client.SendIOControl(did, param, data)
		}, "Controlling IO", s.progress)
	}, "IO control by identifier (0x2F)", "<did> <pm> [data]")

	s.commands.Register("cc", func(argv []string) error {
		if len(argv) < 2 {
			fmt.Fprintf(s.out, "Usage: cc <ctrl> [comm] [nodeId]\n")
			fmt.Fprintf(s.out, "  <ctrl>: 00=Enable 01=DisTx 03=Silent 04/05=Enhanced\n")
			fmt.Fprintf(s.out, "  [comm]: 01=Norm 02=NM 03=Both (default)\n")
			return nil
		}
		ctrl, err := parseHexByte(argv[1])
		if err != nil {
			return fmt.Errorf("invalid ctrl %q", argv[1])
		}
		comm := uds.CommTypeNormalNM
		if len(argv) > 2 {
			if comm, err = parseHexByte(argv[2]); err != nil {
				return fmt.Errorf("invalid comm %q", argv[2])
			}
		}
		var nodeID uint16
		useNodeID := false
		if len(argv) > 3 {
			if nodeID, err = parseHexWord(argv[3]); err != nil {
				return fmt.Errorf("invalid node id %q", argv[3])
			}
			useNodeID = true
		}
		if (ctrl == uds.CommCtrlEnableRxDisTxEA || ctrl == uds.CommCtrlEnableRxTxEA) && !useNodeID {
			return fmt.Errorf("ctrl 0x%02X requires a node id", ctrl)
		}
		return s.client.Transaction(func() error {
			if useNodeID {
				return s.client.SendCommCtrlWithNodeID(ctrl, comm, nodeID)
			}
			return s.client.SendCommCtrl(ctrl, comm)
		}, "Requesting", s.progress)
	}, "Communication control (0x28)", "<ctrl> [cm] [id]")

	// Printer for IO control positive responses (0x6F)
	s.client.Registry().Register(uds.SIDIOControlByIdentifier+uds.PositiveResponseOffset,
		func(c *client.Client) {
			buf := c.RecvBuf()
			if len(buf) < 4 {
				return
			}
			did := uint16(buf[1])<<8 | uint16(buf[2])
			fmt.Fprintf(s.out, "IO DID 0x%04X param 0x%02X state:", did, buf[3])
			if len(buf) == 4 {
				fmt.Fprintf(s.out, " (no state)")
			}
			for _, b := range buf[4:] {
				fmt.Fprintf(s.out, " %02X", b)
			}
			fmt.Fprintln(s.out)
		})
}

// progress renders the transaction spinner.
func (s *Shell) progress(label string, done bool) {
	if done {
		fmt.Fprintf(s.out, "\r[+] %s done.\n", label)
		return
	}
	spinner := `|/-\`
	s.spinIdx = (s.spinIdx + 1) % len(spinner)
	fmt.Fprintf(s.out, "\r[%c] %s...", spinner[s.spinIdx], label)
}
