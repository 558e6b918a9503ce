package shell

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	uds "github.com/vdiag/gouds"
	"github.com/vdiag/gouds/pkg/client"
	"github.com/vdiag/gouds/internal/crc"
)

// Per-block deadlines: generous to absorb segmented transfers on a loaded
// bus, tight enough to fail a dead link quickly.
const (
	uploadBlockTimeout   = 2 * time.Second
	downloadBlockTimeout = 3 * time.Second
)

// fallbackBlockLength is used when the server negotiates an implausible
// maxNumberOfBlockLength.
const fallbackBlockLength = 4095

func registerFileCommands(s *Shell) {
	s.commands.Register("lls", s.handleLls, "List local files", "")
	s.commands.Register("sy", s.handleUpload, "Upload file (0x38/0x36/0x37)", "<local_file>")
	s.commands.Register("ry", s.handleDownload, "Download file (0x38/0x36/0x37)", "<remote_file>")
}

func (s *Shell) handleLls(argv []string) error {
	entries, err := os.ReadDir(".")
	if err != nil {
		return fmt.Errorf("could not open current directory: %w", err)
	}
	fmt.Fprintf(s.out, "\n%-25s | %-10s | %s\n", "Name", "Size", "Modified")
	fmt.Fprintf(s.out, "----------------------------------------------------------------\n")
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			fmt.Fprintf(s.out, "%-25s | ?          | ?\n", entry.Name())
			continue
		}
		modified := info.ModTime().Format("2006-01-02 15:04")
		if entry.IsDir() {
			promptColor.Fprintf(s.out, "%-25s", entry.Name())
			fmt.Fprintf(s.out, " | %-10s | %s\n", "<DIR>", modified)
		} else {
			fmt.Fprintf(s.out, "%-25s | %-10d | %s\n", entry.Name(), info.Size(), modified)
		}
	}
	fmt.Fprintln(s.out)
	return nil
}

// waitBlock is the tight per-block wait loop: no spinner, just poll until
// the transaction settles or the deadline expires.
func (s *Shell) waitBlock(timeout time.Duration) error {
	start := time.Now()
	for s.client.State() != client.StateIdle {
		s.client.Poll()
		if time.Since(start) > timeout {
			return uds.ErrTimeout
		}
		time.Sleep(time.Millisecond)
	}
	if nrc := s.client.LastNRC(); nrc != 0 {
		return uds.NRC(nrc)
	}
	return nil
}

// handleUpload implements 'sy': 0x38 AddFile, a 0x36 loop, then 0x37
// carrying the CRC-32 of the payload as four big-endian bytes.
func (s *Shell) handleUpload(argv []string) error {
	if len(argv) < 2 {
		fmt.Fprintf(s.out, "Usage: sy <local_file>\n")
		return nil
	}
	filename := argv[1]
	file, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("file not found: %s", filename)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return err
	}
	filesize := uint64(info.Size())
	fmt.Fprintf(s.out, "Uploading '%s' (%d bytes)...\n", filename, filesize)

	c := s.client
	if err := c.Transaction(func() error {
		return c.SendRequestFileTransfer(uds.MoopAddFile, filename, 0x00, filesize, filesize)
	}, "Initializing", s.progress); err != nil {
		return err
	}

	resp, err := c.UnpackRequestFileTransferResponse()
	if err != nil {
		return err
	}
	maxChunk := int(resp.MaxNumberOfBlockLength)
	if maxChunk < 3 {
		maxChunk = fallbackBlockLength
	}
	payloadLen := maxChunk - 2 // SID and sequence byte

	var running crc.CRC32
	buffer := make([]byte, payloadLen)
	var seq uint8 = 1
	var sent uint64

	for sent < filesize {
		n, err := file.Read(buffer)
		if n == 0 {
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}
		running.Update(buffer[:n])

		c.Prepare()
		if err := c.SendTransferData(seq, buffer[:n]); err != nil {
			return err
		}
		if err := s.waitBlock(uploadBlockTimeout); err != nil {
			fmt.Fprintln(s.out)
			return fmt.Errorf("block %d: %w", seq, err)
		}

		sent += uint64(n)
		seq++
		s.renderProgress(sent, filesize, "Uploading")
	}
	fmt.Fprintln(s.out)

	var exitData [4]byte
	binary.BigEndian.PutUint32(exitData[:], running.Sum())
	if err := c.Transaction(func() error {
		return c.SendRequestTransferExit(exitData[:])
	}, "Finalizing", s.progress); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "Upload complete (CRC 0x%08X).\n", running.Sum())
	return nil
}

// handleDownload implements 'ry': 0x38 ReadFile, then empty-payload 0x36
// requests until a 2-byte response signals EOF, then 0x37. A failed
// download removes the partial local file.
func (s *Shell) handleDownload(argv []string) error {
	if len(argv) < 2 {
		fmt.Fprintf(s.out, "Usage: ry <remote_file>\n")
		return nil
	}
	filename := argv[1]
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("cannot write %s: %w", filename, err)
	}

	abort := func(reason error) error {
		file.Close()
		os.Remove(filename)
		return reason
	}

	c := s.client
	if err := c.Transaction(func() error {
		return c.SendRequestFileTransfer(uds.MoopReadFile, filename, 0x00, 0, 0)
	}, "Initializing", s.progress); err != nil {
		return abort(err)
	}

	resp, err := c.UnpackRequestFileTransferResponse()
	if err != nil {
		return abort(err)
	}
	totalSize := resp.SizeUncompressed
	fmt.Fprintf(s.out, "Remote file size: %d bytes\n", totalSize)

	var running crc.CRC32
	var seq uint8 = 1
	var received uint64

	for {
		c.Prepare()
		if err := c.SendTransferData(seq, nil); err != nil {
			return abort(err)
		}
		if err := s.waitBlock(downloadBlockTimeout); err != nil {
			fmt.Fprintln(s.out)
			return abort(err)
		}

		buf := c.RecvBuf()
		if len(buf) <= 2 {
			// SID and sequence only: EOF
			break
		}
		data := buf[2:]
		if _, err := file.Write(data); err != nil {
			fmt.Fprintln(s.out)
			return abort(err)
		}
		running.Update(data)
		received += uint64(len(data))
		s.renderProgress(received, totalSize, "Downloading")
		seq++
	}
	fmt.Fprintln(s.out)
	if err := file.Close(); err != nil {
		os.Remove(filename)
		return err
	}

	if err := c.Transaction(func() error {
		return c.SendRequestTransferExit(nil)
	}, "Finalizing", s.progress); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "Download complete (local CRC 0x%08X).\n", running.Sum())
	return nil
}

func (s *Shell) renderProgress(done uint64, total uint64, label string) {
	if total == 0 {
		fmt.Fprintf(s.out, "\r%s %d bytes", label, done)
		return
	}
	percent := done * 100 / total
	fmt.Fprintf(s.out, "\r%s %3d%% (%d/%d)", label, percent, done, total)
}
