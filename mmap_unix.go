// Copyright 2011 Evan Shaw. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE-MMAP-GO file.

//go:build darwin || dragonfly || freebsd || linux || openbsd || solaris || netbsd

// Modifications (c) 2017 The Memory Authors.

package memory

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

var pageSize = os.Getpagesize()

// mmapReserve asks the kernel for a fresh, zero-filled, anonymous
// read/write mapping of size bytes. size must already be a multiple of
// pageSize; the kernel rounds anyway, but the allocator never relies on it.
func mmapReserve(size int) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, err
	}

	if uintptr(unsafe.Pointer(&b[0]))%uintptr(pageSize) != 0 {
		panic("memory: mmap returned a non-page-aligned address")
	}

	return b, nil
}

// mmapRelease returns the size bytes at addr to the kernel. addr must be
// page-aligned; it need not be the base address of the original mapping, as
// reclaim unmaps a whole-page prefix of a larger mapping in place.
func mmapRelease(addr unsafe.Pointer, size int) error {
	return unix.Munmap(unsafe.Slice((*byte)(addr), size))
}
