// Copyright (c) Uplinkd Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build linux

package link

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ATModem is an AT-command channel to the modem's control serial port.
// It implements ModemControl. Only the deep-reset sequence is spoken
// here; everything dialect-specific beyond that stays out.
type ATModem struct {
	log  *zap.Logger
	port string // empty means auto-detect
	baud int
}

// NewATModem returns a modem channel on port. An empty port selects
// the first /dev/ttyUSB* at use time; USB re-enumeration can renumber
// the ports, so detection is deferred rather than cached.
func NewATModem(log *zap.Logger, port string, baud int) *ATModem {
	if baud == 0 {
		baud = 115200
	}
	return &ATModem{log: log.Named("modem"), port: port, baud: baud}
}

// DeepReset implements ModemControl: deactivate the PDP context,
// detach, deregister, settle, then bring everything back.
func (m *ATModem) DeepReset(ctx context.Context, settle time.Duration) error {
	// Teardown half.
	for _, cmd := range []string{"AT+CGACT=0,1", "AT+CGATT=0", "AT+COPS=2"} {
		if _, err := m.Run(ctx, cmd); err != nil {
			return fmt.Errorf("modem deep reset (%s): %w", cmd, err)
		}
	}

	m.log.Info("deregistered, waiting for carrier state to settle",
		zap.Duration("settle", settle))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(settle):
	}

	// Reattach half.
	for _, cmd := range []string{"AT+COPS=0", "AT+CGATT=1", "AT+CGACT=1,1"} {
		if _, err := m.Run(ctx, cmd); err != nil {
			return fmt.Errorf("modem deep reset (%s): %w", cmd, err)
		}
	}
	return nil
}

// Run sends one AT command and collects the response until the modem
// answers OK or ERROR, or ctx expires.
func (m *ATModem) Run(ctx context.Context, cmd string) (string, error) {
	port := m.port
	if port == "" {
		p, err := detectSerialPort()
		if err != nil {
			return "", err
		}
		port = p
	}

	fd, err := unix.Open(port, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", port, err)
	}
	defer unix.Close(fd)

	if err := configureSerial(fd, m.baud); err != nil {
		return "", fmt.Errorf("configure %s: %w", port, err)
	}

	if _, err := unix.Write(fd, []byte(cmd+"\r")); err != nil {
		return "", fmt.Errorf("write %s to %s: %w", cmd, port, err)
	}

	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	var out strings.Builder
	buf := make([]byte, 256)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return out.String(), err
		}
		pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(pfd, 250)
		if err != nil && err != unix.EINTR {
			return out.String(), fmt.Errorf("poll %s: %w", port, err)
		}
		if n == 0 {
			continue
		}
		r, err := unix.Read(fd, buf)
		if err != nil {
			if err == unix.EAGAIN {
				continue
			}
			return out.String(), fmt.Errorf("read %s: %w", port, err)
		}
		out.Write(buf[:r])
		resp := out.String()
		if strings.Contains(resp, "OK") {
			m.log.Debug("at command ok", zap.String("cmd", cmd))
			return resp, nil
		}
		if strings.Contains(resp, "ERROR") {
			return resp, fmt.Errorf("modem rejected %q: %s", cmd, strings.TrimSpace(resp))
		}
	}
	return out.String(), fmt.Errorf("timeout waiting for response to %q on %s", cmd, port)
}

// detectSerialPort picks the modem's AT port. SIM7600-class modems
// expose several ttyUSB devices; the lowest-numbered one that exists
// is a reasonable default when the config doesn't pin one.
func detectSerialPort() (string, error) {
	matches, err := filepath.Glob("/dev/ttyUSB*")
	if err != nil || len(matches) == 0 {
		return "", fmt.Errorf("no /dev/ttyUSB* serial port found")
	}
	sort.Strings(matches)
	for _, p := range matches {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no usable serial port among %v", matches)
}

func baudConst(baud int) (uint32, error) {
	switch baud {
	case 9600:
		return unix.B9600, nil
	case 19200:
		return unix.B19200, nil
	case 38400:
		return unix.B38400, nil
	case 57600:
		return unix.B57600, nil
	case 115200:
		return unix.B115200, nil
	case 230400:
		return unix.B230400, nil
	default:
		return 0, fmt.Errorf("unsupported baud rate %d", baud)
	}
}

// configureSerial puts the port in raw 8N1 mode at the given speed.
func configureSerial(fd int, baud int) error {
	speed, err := baudConst(baud)
	if err != nil {
		return err
	}
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB | unix.CBAUD
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL | speed
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 0
	t.Ispeed = speed
	t.Ospeed = speed
	return unix.IoctlSetTermios(fd, unix.TCSETS, t)
}
