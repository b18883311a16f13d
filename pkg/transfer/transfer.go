//go:build linux

/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package transfer hands an exported allocation descriptor to another
// process over a unix stream socket.
//
// The sender writes the descriptor as SCM_RIGHTS ancillary data on a one byte
// message, then the allocation size as eight little-endian bytes. The
// receiver answers with a single AckByte once it has imported the memory.
package transfer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	// DefaultSocket is where the producer listens.
	DefaultSocket = "/tmp/cuda_vmm_test.sock"
	// AckByte confirms the receiver is done with the hand-off.
	AckByte byte = 'A'

	fdPayload byte = 'X'
	sizeBytes      = 8
)

var (
	// ErrNoRights is returned when a message carries no descriptor.
	ErrNoRights = errors.New("transfer: message carries no descriptor")
	// ErrBadAck is returned when the peer answers with anything but AckByte.
	ErrBadAck = errors.New("transfer: unexpected acknowledgement")
)

// Conn is one end of a hand-off.
type Conn struct {
	c   *net.UnixConn
	log *zap.Logger
}

func newConn(c *net.UnixConn, log *zap.Logger) *Conn {
	if log == nil {
		log = zap.NewNop()
	}
	return &Conn{c: c, log: log.Named("transfer")}
}

// Listener accepts hand-off connections on a socket path.
type Listener struct {
	ln   *net.UnixListener
	path string
	log  *zap.Logger
}

// Listen binds path, replacing a stale socket file left by an earlier run.
func Listen(path string, log *zap.Logger) (*Listener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("transfer: remove stale socket %s: %w", path, err)
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("transfer: listen %s: %w", path, err)
	}
	// Close removes the file itself.
	ln.SetUnlinkOnClose(true)
	if log == nil {
		log = zap.NewNop()
	}
	return &Listener{ln: ln, path: path, log: log}, nil
}

// Path returns the socket path.
func (l *Listener) Path() string { return l.path }

// Accept waits for one peer or until ctx is done.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	stop := context.AfterFunc(ctx, func() { _ = l.ln.SetDeadline(time.Now()) })
	defer stop()
	c, err := l.ln.AcceptUnix()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("transfer: accept: %w", err)
	}
	return newConn(c, l.log), nil
}

// Close stops listening and removes the socket file.
func (l *Listener) Close() error { return l.ln.Close() }

// Dial connects to path, retrying with exponential backoff while the
// listener is not up yet. timeout bounds the whole attempt.
func Dial(ctx context.Context, path string, timeout time.Duration, log *zap.Logger) (*Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = timeout

	var c *net.UnixConn
	op := func() error {
		var err error
		c, err = net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
		if err != nil && !errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.ECONNREFUSED) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("transfer: dial %s: %w", path, err)
	}
	return newConn(c, log), nil
}

// SendFD passes fd to the peer. The caller keeps its own descriptor.
func (c *Conn) SendFD(fd int) error {
	n, oobn, err := c.c.WriteMsgUnix([]byte{fdPayload}, unix.UnixRights(fd), nil)
	if err != nil {
		return fmt.Errorf("transfer: send fd: %w", err)
	}
	if n != 1 || oobn == 0 {
		return fmt.Errorf("transfer: send fd: %w", io.ErrShortWrite)
	}
	c.log.Debug("descriptor sent", zap.Int("fd", fd))
	return nil
}

// RecvFD receives one descriptor. The caller owns it.
func (c *Conn) RecvFD() (int, error) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := c.c.ReadMsgUnix(buf, oob)
	if err != nil {
		return -1, fmt.Errorf("transfer: receive fd: %w", err)
	}
	if n == 0 {
		return -1, fmt.Errorf("transfer: receive fd: %w", io.ErrUnexpectedEOF)
	}
	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return -1, fmt.Errorf("transfer: parse control message: %w", err)
	}
	for i := range msgs {
		fds, err := unix.ParseUnixRights(&msgs[i])
		if err != nil || len(fds) == 0 {
			continue
		}
		for _, extra := range fds[1:] {
			_ = unix.Close(extra)
		}
		c.log.Debug("descriptor received", zap.Int("fd", fds[0]))
		return fds[0], nil
	}
	return -1, ErrNoRights
}

// SendSize writes size as eight little-endian bytes.
func (c *Conn) SendSize(size uint64) error {
	var b [sizeBytes]byte
	binary.LittleEndian.PutUint64(b[:], size)
	if _, err := c.c.Write(b[:]); err != nil {
		return fmt.Errorf("transfer: send size: %w", err)
	}
	return nil
}

// RecvSize reads the eight byte size.
func (c *Conn) RecvSize() (uint64, error) {
	var b [sizeBytes]byte
	if _, err := io.ReadFull(c.c, b[:]); err != nil {
		return 0, fmt.Errorf("transfer: receive size: %w", err)
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// SendAck tells the sender the hand-off is complete.
func (c *Conn) SendAck() error {
	if _, err := c.c.Write([]byte{AckByte}); err != nil {
		return fmt.Errorf("transfer: send ack: %w", err)
	}
	return nil
}

// WaitAck blocks until the peer acknowledges or ctx is done.
func (c *Conn) WaitAck(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = c.c.SetReadDeadline(time.Now()) })
	defer stop()
	var b [1]byte
	if _, err := io.ReadFull(c.c, b[:]); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("transfer: wait ack: %w", err)
	}
	if b[0] != AckByte {
		return fmt.Errorf("%w: 0x%02x", ErrBadAck, b[0])
	}
	return nil
}

// Offer sends fd and size and waits for the acknowledgement.
func (c *Conn) Offer(ctx context.Context, fd int, size uint64) error {
	if err := c.SendFD(fd); err != nil {
		return err
	}
	if err := c.SendSize(size); err != nil {
		return err
	}
	return c.WaitAck(ctx)
}

// Receive reads a descriptor and its size. The caller acknowledges with
// SendAck once the memory is imported.
func (c *Conn) Receive() (fd int, size uint64, err error) {
	fd, err = c.RecvFD()
	if err != nil {
		return -1, 0, err
	}
	size, err = c.RecvSize()
	if err != nil {
		_ = unix.Close(fd)
		return -1, 0, err
	}
	return fd, size, nil
}

// Close closes the connection.
func (c *Conn) Close() error { return c.c.Close() }
