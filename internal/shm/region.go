// Package shm implements the memory-mapped handoff region between an
// emulator core and the relay. The region is a fixed-layout file on a
// tmpfs-visible path:
//
//	status_flag:u32 | input_flags:u32 | width:u32 | height:u32 | pitch:u32 |
//	frame_buffer[MaxFrameBytes]
//
// status_flag cycles IDLE → CORE_WRITING → FRAME_READY → SERVER_READING →
// IDLE. The core owns the first two transitions, the relay the last two,
// and the framebuffer is only touched between the transitions that bracket
// each side's turn. input_flags is written by the relay and sampled by the
// core with no ordering guarantee beyond the atomic store/load.
package shm

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Handoff states of the status flag.
const (
	StatusIdle          uint32 = 0
	StatusCoreWriting   uint32 = 1
	StatusFrameReady    uint32 = 2
	StatusServerReading uint32 = 3
)

// Region geometry limits. The framebuffer is sized for the largest
// supported core up front so the file never needs to grow.
const (
	MaxWidth      = 2048
	MaxHeight     = 2048
	MaxFrameBytes = MaxWidth * MaxHeight * 4

	headerSize = 20
	RegionSize = headerSize + MaxFrameBytes
)

var (
	ErrGeometry = errors.New("shm: geometry out of range")
	ErrSetup    = errors.New("shm: setup failed")
)

// regionHeader mirrors the on-disk layout; all fields are naturally aligned
// 32-bit words, so the mapped view can be addressed through it directly.
type regionHeader struct {
	statusFlag uint32
	inputFlags uint32
	width      uint32
	height     uint32
	pitch      uint32
}

// Region is a mapped view over the shared file. At most one producer (the
// core) and one consumer (the relay) attach to a region at a time.
type Region struct {
	f    *os.File
	data []byte
	hdr  *regionHeader
}

func checkGeometry(width, height uint32) error {
	if width == 0 || height == 0 || width > MaxWidth || height > MaxHeight {
		return fmt.Errorf("%w: %dx%d (max %dx%d)", ErrGeometry, width, height, MaxWidth, MaxHeight)
	}
	return nil
}

func mapRegion(path string) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrSetup, path, err)
	}
	if err := f.Truncate(RegionSize); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: truncate %s: %v", ErrSetup, path, err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, RegionSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: mmap %s: %v", ErrSetup, path, err)
	}
	return &Region{
		f:    f,
		data: data,
		hdr:  (*regionHeader)(unsafe.Pointer(&data[0])),
	}, nil
}

// Create maps the region at path and initializes the header for the given
// geometry. Called by the relay (the region host) at startup.
func Create(path string, width, height uint32) (*Region, error) {
	if err := checkGeometry(width, height); err != nil {
		return nil, err
	}
	r, err := mapRegion(path)
	if err != nil {
		return nil, err
	}
	r.hdr.width = width
	r.hdr.height = height
	r.hdr.pitch = width * 4
	atomic.StoreUint32(&r.hdr.inputFlags, 0)
	atomic.StoreUint32(&r.hdr.statusFlag, StatusIdle)
	return r, nil
}

// OpenProducer maps the region at path from the core side, creating it if
// the relay has not yet. Both sides write the same geometry; they are
// launched together with matching configuration.
func OpenProducer(path string, width, height uint32) (*Region, error) {
	if err := checkGeometry(width, height); err != nil {
		return nil, err
	}
	r, err := mapRegion(path)
	if err != nil {
		return nil, err
	}
	r.hdr.width = width
	r.hdr.height = height
	r.hdr.pitch = width * 4
	atomic.StoreUint32(&r.hdr.statusFlag, StatusIdle)
	return r, nil
}

// Geometry returns the region's configured width and height.
func (r *Region) Geometry() (width, height uint32) {
	return r.hdr.width, r.hdr.height
}

// FrameBytes is the valid framebuffer length for the configured geometry.
func (r *Region) FrameBytes() int {
	return int(r.hdr.width) * int(r.hdr.height) * 4
}

// Status returns the current handoff state; mainly for tests and watchdogs.
func (r *Region) Status() uint32 {
	return atomic.LoadUint32(&r.hdr.statusFlag)
}

func (r *Region) frame() []byte { return r.data[headerSize:] }

// Close unmaps the region. The file is left in place for the peer process.
func (r *Region) Close() error {
	if r.data == nil {
		return nil
	}
	err := unix.Munmap(r.data)
	r.data = nil
	r.hdr = nil
	if cerr := r.f.Close(); err == nil {
		err = cerr
	}
	return err
}
