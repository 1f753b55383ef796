package main

import (
	"errors"
	"os"
	"sync"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// UnixPty is the simulator's end of a pseudo-terminal. The daemon opens the
// slave path as if it were a serial modem.
type UnixPty struct {
	master, slave *os.File
	closeOnce     sync.Once
	closeErr      error
}

// NewPty opens a new pseudo-terminal pair.
func NewPty() (*UnixPty, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, err
	}
	return &UnixPty{master: master, slave: slave}, nil
}

// Close closes both ends. Closing twice is not an error.
func (p *UnixPty) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = errors.Join(p.master.Close(), p.slave.Close())
	})
	return p.closeErr
}

// Name returns the slave device path to hand to the daemon.
func (p *UnixPty) Name() string {
	return p.slave.Name()
}

func (p *UnixPty) Read(b []byte) (n int, err error) {
	return p.master.Read(b)
}

func (p *UnixPty) Write(b []byte) (n int, err error) {
	return p.master.Write(b)
}

// Master returns the simulator side.
func (p *UnixPty) Master() *os.File {
	return p.master
}

// Fd returns the master file descriptor.
func (p *UnixPty) Fd() uintptr {
	return p.master.Fd()
}

// IsSlaveClosed reports whether no process holds the slave open.
func (p *UnixPty) IsSlaveClosed() (bool, error) {
	fds := []unix.PollFd{{
		Fd:     int32(p.master.Fd()),
		Events: unix.POLLOUT,
	}}
	if _, err := unix.Poll(fds, 0); err != nil {
		return false, err
	}
	return fds[0].Revents&unix.POLLHUP != 0, nil
}
