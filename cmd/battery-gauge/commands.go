/*
battery-gauge - INA226 battery fuel gauge
Copyright (C) 2025, The Cacophony Project

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/

package main

import (
	"io"
	"os"
	"syscall"
	"time"

	"github.com/TheCacophonyProject/battery-gauge/gauge"
	"github.com/tarm/serial"
)

const (
	serialLockRetries = 3
	serialLockWait    = 5 * time.Second

	serialReadBackoff     = time.Second
	maxSerialReadBackoff  = time.Minute
	maxSerialReadFailures = 10
)

// commandQueue buffers debug commands from the serial port and the dbus
// service for the update loop, which consumes one per tick.
type commandQueue struct {
	ch chan gauge.Command
}

func newCommandQueue() *commandQueue {
	return &commandQueue{ch: make(chan gauge.Command, 8)}
}

func (q *commandQueue) NextCommand() gauge.Command {
	select {
	case cmd := <-q.ch:
		return cmd
	default:
		return gauge.CommandNone
	}
}

func (q *commandQueue) push(cmd gauge.Command) {
	if cmd == gauge.CommandNone {
		return
	}
	select {
	case q.ch <- cmd:
	default:
		log.Warnf("command queue full, dropping %s", cmd)
	}
}

// lockSerialPort takes an exclusive flock on the serial device so two
// processes don't read command bytes off the same port. The returned file
// must stay open for as long as the port is in use; closing it (or letting
// it be garbage collected) releases the lock.
func lockSerialPort(port string, retries int, wait time.Duration) (*os.File, error) {
	serialFile, err := os.OpenFile(port, os.O_RDWR, 0666)
	if err != nil {
		return nil, err
	}
	for i := retries; ; i-- {
		err = syscall.Flock(int(serialFile.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			return serialFile, nil
		}
		if errno, ok := err.(syscall.Errno); !ok || errno != syscall.EWOULDBLOCK || i <= 0 {
			serialFile.Close()
			return nil, err
		}
		log.Warnf("Serial port is locked by another process. Retrying %d in %s...", i, wait)
		time.Sleep(wait)
	}
}

// startSerialCommands reads command bytes from a serial port and queues the
// ones that decode to a command. Unrecognised bytes are ignored. The flock
// file is held by the reader goroutine and only closed when it exits, so the
// lock outlives any GC cycle while the port is in use.
func startSerialCommands(port string, baud int, queue *commandQueue) error {
	lockFile, err := lockSerialPort(port, serialLockRetries, serialLockWait)
	if err != nil {
		return err
	}
	s, err := serial.OpenPort(&serial.Config{Name: port, Baud: baud})
	if err != nil {
		lockFile.Close()
		return err
	}
	go func() {
		defer lockFile.Close()
		defer s.Close()
		readCommands(s, queue, serialReadBackoff)
	}()
	return nil
}

// readCommands pumps single command bytes from the port into the queue. It
// returns, abandoning the command channel, after too many consecutive read
// failures; a reader that keeps erroring (unplugged adapter) would otherwise
// spin logging warnings forever.
func readCommands(r io.Reader, queue *commandQueue, backoff time.Duration) {
	failures := 0
	wait := backoff
	buf := make([]byte, 1)
	for {
		n, err := r.Read(buf)
		if err != nil {
			failures++
			if failures >= maxSerialReadFailures {
				log.Errorf("giving up on serial commands after %d read failures: %v", failures, err)
				return
			}
			log.Warnf("serial read: %v", err)
			time.Sleep(wait)
			if wait < maxSerialReadBackoff {
				wait *= 2
			}
			continue
		}
		failures = 0
		wait = backoff
		if n == 0 {
			continue
		}
		if cmd := gauge.DecodeCommand(buf[0]); cmd != gauge.CommandNone {
			log.Infof("serial command %q: %s", buf[0], cmd)
			queue.push(cmd)
		}
	}
}
