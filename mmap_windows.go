// Copyright 2011 Evan Shaw. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE-MMAP-GO file.

// Modifications (c) 2017 The Memory Authors.

package memory

import (
	"errors"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"
)

var pageSize = os.Getpagesize()

// mmap on Windows is a two-step process.
// First, we call CreateFileMapping to get a handle.
// Then, we call MapViewOfFile to get an actual pointer into memory.

// We keep this map so that we can get back the original handle from the memory address.
var (
	handleLock sync.Mutex
	handleMap  = map[uintptr]windows.Handle{}
)

// mmapReserve reserves size bytes via a page-file-backed file mapping, the
// closest Windows equivalent to an anonymous mmap.
func mmapReserve(size int) ([]byte, error) {
	flProtect := uint32(windows.PAGE_READWRITE)
	dwDesiredAccess := uint32(windows.FILE_MAP_WRITE)

	// The maximum size is the area of the file, starting from 0, that we
	// wish to allow to be mappable. This does not map the data into memory.
	maxSizeHigh := uint32(int64(size) >> 32)
	maxSizeLow := uint32(int64(size) & 0xFFFFFFFF)
	h, err := windows.CreateFileMapping(windows.InvalidHandle, nil, flProtect, maxSizeHigh, maxSizeLow, nil)
	if h == 0 {
		return nil, os.NewSyscallError("CreateFileMapping", err)
	}

	// Actually map a view of the data into memory. The view's size is the
	// length requested.
	addr, err := windows.MapViewOfFile(h, dwDesiredAccess, 0, 0, uintptr(size))
	if addr == 0 {
		return nil, os.NewSyscallError("MapViewOfFile", err)
	}

	if addr%uintptr(pageSize) != 0 {
		panic("memory: mmap returned a non-page-aligned address")
	}

	handleLock.Lock()
	handleMap[addr] = h
	handleLock.Unlock()
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), nil
}

// mmapRelease unmaps the view rooted at addr. Unlike POSIX munmap, Windows
// cannot unmap a sub-range of a view, so size is not used; reclaim in
// memory.go skips its partial-page branch on Windows and only ever releases
// whole views here.
func mmapRelease(addr unsafe.Pointer, size int) error {
	a := uintptr(addr)

	// Lock the UnmapViewOfFile along with the handleMap deletion. As soon as
	// we unmap the view, the OS is free to give the same addr to another new
	// map. We don't want another goroutine to insert and remove the same
	// addr into handleMap while we're trying to remove our old addr/handle
	// pair.
	handleLock.Lock()
	defer handleLock.Unlock()
	if err := windows.UnmapViewOfFile(a); err != nil {
		return err
	}

	handle, ok := handleMap[a]
	if !ok {
		// should be impossible; we would've errored above
		return errors.New("memory: unknown mapping base address")
	}
	delete(handleMap, a)

	return windows.CloseHandle(handle)
}
