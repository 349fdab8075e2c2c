// Package serial drives the DFU target over a SLIP-framed UART, grounded
// on the reference client's termios setup and blocking-with-timeout
// read/write loops (serialtty.c, dfuserial.c).
package serial

import (
	"context"
	"time"

	"github.com/nrfdfu/nrfdfu/internal/dfuerr"
	"github.com/nrfdfu/nrfdfu/internal/slip"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// DefaultSLIPBufSize bounds the largest SLIP frame this transport can
// decode; the device's negotiated MTU is clamped to it.
const DefaultSLIPBufSize = 1024

// ReadTimeoutSec bounds each select() wait for a readable byte while
// decoding a response frame.
const ReadTimeoutSec = 3

// WriteTimeoutSec bounds each select() wait for write readiness when a
// write would otherwise block.
const WriteTimeoutSec = 1

// Serial is a SLIP-framed transport.Transport over a tty.
type Serial struct {
	fd       int
	orig     unix.Termios
	decodeBuf []byte
	dec      *slip.Decoder
	writeSlice int
}

// baudConst maps a requested baud rate to its termios CBAUD constant, the
// same table serial_set_tty_speed switches on.
func baudConst(baud int) (uint32, error) {
	switch baud {
	case 57600:
		return unix.B57600, nil
	case 115200:
		return unix.B115200, nil
	case 230400:
		return unix.B230400, nil
	case 460800:
		return unix.B460800, nil
	case 500000:
		return unix.B500000, nil
	case 576000:
		return unix.B576000, nil
	case 921600:
		return unix.B921600, nil
	case 1000000:
		return unix.B1000000, nil
	default:
		return 0, dfuerr.Newf(dfuerr.ConfigError, "unknown baud rate %d", baud)
	}
}

// Open opens path, configures 8N1/no-parity/no-flow-control termios at
// baud, and returns a ready-to-use transport. The effective write slice
// defaults to a conservative 20 bytes until SetMTU narrows (or widens) it
// once the device's negotiated MTU is known.
func Open(path string, baud int) (*Serial, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_NDELAY, 0)
	if err != nil {
		return nil, dfuerr.Wrap(dfuerr.Io, err, "cannot open serial device "+path)
	}

	orig, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		unix.Close(fd)
		return nil, dfuerr.Wrap(dfuerr.Io, err, "cannot read termios")
	}

	speed, err := baudConst(baud)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	tty := &unix.Termios{
		Iflag: unix.IGNPAR,
		Cflag: unix.CLOCAL | unix.CREAD | unix.CS8 | speed,
	}

	_ = unix.IoctlSetInt(fd, unix.TCFLSH, unix.TCIFLUSH)

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, tty); err != nil {
		unix.Close(fd)
		return nil, dfuerr.Wrap(dfuerr.Io, err, "cannot set termios")
	}

	s := &Serial{
		fd:         fd,
		orig:       *orig,
		decodeBuf:  make([]byte, DefaultSLIPBufSize),
		writeSlice: 20,
	}
	s.dec = slip.NewDecoder(s.decodeBuf)
	return s, nil
}

// SetBaud switches the live baud rate, used for the pre/post DFU-entry
// command dance on some boards (run at the CLI's baud rate to send the
// entry command, then switch to 115200 for the DFU protocol itself).
func (s *Serial) SetBaud(baud int) error {
	speed, err := baudConst(baud)
	if err != nil {
		return err
	}
	tty := &unix.Termios{
		Iflag: unix.IGNPAR,
		Cflag: unix.CLOCAL | unix.CREAD | unix.CS8 | speed,
	}
	_ = unix.IoctlSetInt(s.fd, unix.TCFLSH, unix.TCIOFLUSH)
	if err := unix.IoctlSetTermios(s.fd, unix.TCSETS, tty); err != nil {
		return dfuerr.Wrap(dfuerr.Io, err, "cannot set baud rate")
	}
	return nil
}

// SetMTU narrows (or widens) the effective write slice to (mtu-1)/2,
// leaving room for worst-case SLIP escaping of every byte in a chunk.
func (s *Serial) SetMTU(mtu int) {
	slice := (mtu - 1) / 2
	if slice < 1 {
		slice = 1
	}
	s.writeSlice = slice
}

// WriteSliceSize implements transport.Transport.
func (s *Serial) WriteSliceSize() int { return s.writeSlice }

// WriteRaw sends unframed bytes directly to the tty, used for the
// CLI-prompt DFU-entry command (not a DFU protocol frame).
func (s *Serial) WriteRaw(ctx context.Context, data []byte) error {
	return s.write(ctx, data)
}

// ReadRaw drains whatever is currently available, used to discard a CLI
// prompt's echo/banner after a DFU-entry command.
func (s *Serial) ReadRaw(ctx context.Context, budget time.Duration) []byte {
	deadline := time.Now().Add(budget)
	var out []byte
	buf := make([]byte, 256)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			break
		}
		ready, err := s.waitReadReady(1)
		if err != nil || !ready {
			continue
		}
		n, err := unix.Read(s.fd, buf)
		if err != nil || n <= 0 {
			break
		}
		out = append(out, buf[:n]...)
	}
	return out
}

// SendControl implements transport.Transport: SLIP-encode one control
// request, write it, then decode-until-END a response frame.
func (s *Serial) SendControl(ctx context.Context, request []byte) ([]byte, error) {
	if err := s.writeFrame(ctx, request); err != nil {
		return nil, err
	}
	return s.readFrame(ctx)
}

// SendData implements transport.Transport: the payload is prefixed with
// the OBJECT_WRITE opcode and sent as one SLIP frame. Fire-and-forget, no
// response is read back (PRN is always 0).
func (s *Serial) SendData(ctx context.Context, data []byte) error {
	req := make([]byte, 0, len(data)+1)
	req = append(req, 0x08) // OBJECT_WRITE
	req = append(req, data...)
	return s.writeFrame(ctx, req)
}

func (s *Serial) writeFrame(ctx context.Context, payload []byte) error {
	framed := slip.Encode(payload)
	return s.write(ctx, framed)
}

func (s *Serial) write(ctx context.Context, buf []byte) error {
	pos := 0
	for pos < len(buf) {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "write cancelled")
		}
		n, err := unix.Write(s.fd, buf[pos:])
		if err != nil {
			if err == unix.EAGAIN {
				if _, werr := s.waitWriteReady(WriteTimeoutSec); werr != nil {
					return werr
				}
				continue
			}
			return dfuerr.Wrap(dfuerr.Io, err, "serial write failed")
		}
		if n < len(buf)-pos {
			if _, werr := s.waitWriteReady(WriteTimeoutSec); werr != nil {
				return werr
			}
		}
		pos += n
	}
	return nil
}

func (s *Serial) readFrame(ctx context.Context) ([]byte, error) {
	s.dec.Reset()
	var b [1]byte
	for {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, "read cancelled")
		}
		ready, err := s.waitReadReady(ReadTimeoutSec)
		if err != nil {
			return nil, err
		}
		if !ready {
			return nil, dfuerr.New(dfuerr.Timeout, "timeout waiting for serial response")
		}
		n, err := unix.Read(s.fd, b[:])
		if err != nil {
			if err == unix.EAGAIN {
				continue
			}
			return nil, dfuerr.Wrap(dfuerr.Io, err, "serial read failed")
		}
		if n <= 0 {
			continue
		}
		switch s.dec.AddByte(b[0]) {
		case slip.Complete:
			frame := s.dec.Frame()
			out := make([]byte, len(frame))
			copy(out, frame)
			return out, nil
		case slip.Error:
			return nil, dfuerr.New(dfuerr.Framing, "SLIP decode error on serial response")
		}
	}
}

func (s *Serial) waitReadReady(sec int) (bool, error) {
	return s.waitReady(sec, true)
}

func (s *Serial) waitWriteReady(sec int) (bool, error) {
	return s.waitReady(sec, false)
}

func (s *Serial) waitReady(sec int, forRead bool) (bool, error) {
	var rfds, wfds *unix.FdSet
	fds := &unix.FdSet{}
	fdSetSet(fds, s.fd)
	if forRead {
		rfds = fds
	} else {
		wfds = fds
	}
	tv := unix.Timeval{Sec: int64(sec)}
	n, err := unix.Select(s.fd+1, rfds, wfds, nil, &tv)
	if err != nil {
		if err == unix.EINTR {
			return false, nil
		}
		return false, dfuerr.Wrap(dfuerr.Io, err, "select failed")
	}
	return n > 0, nil
}

func fdSetSet(fds *unix.FdSet, fd int) {
	fds.Bits[fd/64] |= int64(1) << (uint(fd) % 64)
}

// Close unsets DTR, restores the original termios and closes the fd. Safe
// to call more than once; a second call is a no-op.
func (s *Serial) Close() error {
	if s.fd < 0 {
		return nil
	}
	lines, err := unix.IoctlGetInt(s.fd, unix.TIOCMGET)
	if err == nil {
		lines &^= unix.TIOCM_DTR
		_ = unix.IoctlSetInt(s.fd, unix.TIOCMSET, lines)
	}
	_ = unix.IoctlSetTermios(s.fd, unix.TCSETS, &s.orig)
	err = unix.Close(s.fd)
	s.fd = -1
	if err != nil {
		return dfuerr.Wrap(dfuerr.Io, err, "error closing serial device")
	}
	return nil
}
