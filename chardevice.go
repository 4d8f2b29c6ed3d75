// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package qmi

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// CharDeviceTransport is a Transport over a raw QMI character device
// node such as /dev/cdc-wdm0: a lazy mutex-guarded connect with an
// injected logger, over a plain fd instead of a configured serial line,
// since a QMI control channel has no baud rate to negotiate.
//
// The modem enforces single-open exclusivity; CharDeviceTransport
// surfaces a failed exclusive open as KindBusy via flock(2).
type CharDeviceTransport struct {
	Path   string
	Logger *slog.Logger

	mu   sync.Mutex
	file *os.File
}

// NewCharDeviceTransport returns a Transport for the character device at
// path. Connect must be called (directly, or via Device.Open) before
// Read/Write.
func NewCharDeviceTransport(path string) *CharDeviceTransport {
	return &CharDeviceTransport{Path: path}
}

func (c *CharDeviceTransport) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connect()
}

func (c *CharDeviceTransport) connect() error {
	if c.file != nil {
		return nil
	}
	fd, err := unix.Open(c.Path, unix.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		if err == unix.EACCES || err == unix.EPERM {
			return newError("CharDeviceTransport.Connect", KindPermission, fmt.Errorf("open %s: %w", c.Path, err))
		}
		return newError("CharDeviceTransport.Connect", KindTransport, fmt.Errorf("open %s: %w", c.Path, err))
	}
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		if err == unix.EWOULDBLOCK {
			return newError("CharDeviceTransport.Connect", KindBusy, fmt.Errorf("%s is held by another process", c.Path))
		}
		return newError("CharDeviceTransport.Connect", KindTransport, fmt.Errorf("flock %s: %w", c.Path, err))
	}
	c.file = os.NewFile(uintptr(fd), c.Path)
	c.logf("opened %s", c.Path)
	return nil
}

func (c *CharDeviceTransport) Read(p []byte) (int, error) {
	c.mu.Lock()
	f := c.file
	c.mu.Unlock()
	if f == nil {
		return 0, newError("CharDeviceTransport.Read", KindWrongState, fmt.Errorf("not connected"))
	}
	return f.Read(p)
}

func (c *CharDeviceTransport) Write(p []byte) (int, error) {
	c.mu.Lock()
	f := c.file
	c.mu.Unlock()
	if f == nil {
		return 0, newError("CharDeviceTransport.Write", KindWrongState, fmt.Errorf("not connected"))
	}
	c.logf("send % x", p)
	return f.Write(p)
}

func (c *CharDeviceTransport) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file = nil
	return err
}

func (c *CharDeviceTransport) logf(format string, v ...any) {
	if c.Logger != nil {
		c.Logger.Debug(fmt.Sprintf(format, v...))
	}
}
