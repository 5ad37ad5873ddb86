//go:build amd64 || arm64

package csprof

import (
	"fmt"
	"unsafe"
)

// addr is an address in the interrupted thread's address space. Keeping a
// distinct type (rather than uintptr) prevents accidentally dereferencing a
// target-process address as if it were host memory: all access must go
// through a Mem implementation.
type addr uint64

// Mem is the minimum interface the unwinder needs to read the interrupted
// thread's memory and register file. The host injection layer supplies the
// concrete implementation (e.g. reading the target's own address space
// in-process when the profiler is preloaded/linked statically, or a ptrace
// PEEKDATA round-trip out of process); both are out of scope for this core
// per §1, which only specifies the interface the unwinder consumes.
//
// Every method assumes a 64-bit little-endian target, matching the host: no
// byte-order or width conversion is performed, only raw reinterpretation of
// the bytes Read returns.
type Mem interface {
	// Read copies size bytes starting at address into a fresh slice.
	// ok is false if the address range is not mapped or not readable.
	Read(address addr, size uint32) (b []byte, ok bool)
}

// deref reads the bytes at address p and reinterprets them as T, without
// recursing into T's pointers or slices. Panics (causing the unwind to be
// aborted as KindBadUnwind by the caller's recover) if the read fails.
func deref[T any](m Mem, p addr) T {
	var t T
	size := uint32(unsafe.Sizeof(t))
	b, ok := m.Read(p, size)
	if !ok {
		panic(fmt.Errorf("csprof: invalid memory read at %#x size %d", p, size))
	}
	return *(*T)(unsafe.Pointer(unsafe.SliceData(b)))
}

// derefPtr reads a single 8-byte pointer-sized value at address p. This is
// the operation the unwinder uses most: reading a saved return address or a
// saved callee-register value off the stack.
func derefPtr(m Mem, p addr) addr {
	return deref[addr](m, p)
}

// derefArrayIndex reads the i-th element of a T array based at address p.
func derefArrayIndex[T any](m Mem, p addr, i int) T {
	var t T
	sz := addr(unsafe.Sizeof(t))
	return deref[T](m, p+addr(i)*sz)
}
