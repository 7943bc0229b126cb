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
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheCacophonyProject/battery-gauge/gauge"
)

func TestSerialLockHeldWhileFileOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "serial")
	require.NoError(t, os.WriteFile(path, nil, 0666))

	lockFile, err := lockSerialPort(path, 0, 0)
	require.NoError(t, err)

	// The lock must survive garbage collection for as long as the file is
	// held; an os.File finalizer closing the fd would release it.
	runtime.GC()

	other, err := os.OpenFile(path, os.O_RDWR, 0666)
	require.NoError(t, err)
	defer other.Close()
	err = syscall.Flock(int(other.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	require.Error(t, err)
	assert.Equal(t, syscall.EWOULDBLOCK, err)

	// A second lock attempt through the same path fails too.
	_, err = lockSerialPort(path, 0, 0)
	assert.Error(t, err)

	// Closing the file releases the lock.
	require.NoError(t, lockFile.Close())
	assert.NoError(t, syscall.Flock(int(other.Fd()), syscall.LOCK_EX|syscall.LOCK_NB))
}

type scriptedPort struct {
	bytes []byte
	err   error
	reads int
}

func (p *scriptedPort) Read(buf []byte) (int, error) {
	p.reads++
	if len(p.bytes) == 0 {
		return 0, p.err
	}
	buf[0] = p.bytes[0]
	p.bytes = p.bytes[1:]
	return 1, nil
}

func TestReadCommandsQueuesDecodedBytes(t *testing.T) {
	queue := newCommandQueue()
	port := &scriptedPort{
		bytes: []byte{'r', 'x', 'c'},
		err:   errors.New("device gone"),
	}

	// Returns once the port degrades into persistent read failures.
	readCommands(port, queue, 0)

	assert.Equal(t, gauge.CommandReset, queue.NextCommand())
	assert.Equal(t, gauge.CommandEraseAndReset, queue.NextCommand())
	assert.Equal(t, gauge.CommandNone, queue.NextCommand())
}

func TestReadCommandsGivesUpAfterRepeatedFailures(t *testing.T) {
	queue := newCommandQueue()
	port := &scriptedPort{err: errors.New("input/output error")}

	readCommands(port, queue, 0)

	assert.Equal(t, maxSerialReadFailures, port.reads)
	assert.Equal(t, gauge.CommandNone, queue.NextCommand())
}
