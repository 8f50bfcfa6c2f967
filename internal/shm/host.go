package shm

import "sync/atomic"

// ReadFrameInto drains a ready frame into buf, resizing it to the exact
// frame length. It returns the frame geometry and whether a frame was
// taken. The copy happens strictly inside the FRAME_READY → SERVER_READING
// → IDLE window, so the producer never writes the buffer concurrently.
func (r *Region) ReadFrameInto(buf *[]byte) (width, height uint32, ok bool) {
	if atomic.LoadUint32(&r.hdr.statusFlag) != StatusFrameReady {
		return 0, 0, false
	}
	atomic.StoreUint32(&r.hdr.statusFlag, StatusServerReading)

	width = r.hdr.width
	height = r.hdr.height
	n := int(width) * int(height) * 4
	if cap(*buf) < n {
		*buf = make([]byte, n)
	} else {
		*buf = (*buf)[:n]
	}
	copy(*buf, r.frame()[:n])

	atomic.StoreUint32(&r.hdr.statusFlag, StatusIdle)
	return width, height, true
}

// WriteInputs publishes the current button word for the core to sample at
// the top of its next frame. Last writer wins; there is no delivery
// guarantee by design.
func (r *Region) WriteInputs(buttons uint16) {
	atomic.StoreUint32(&r.hdr.inputFlags, uint32(buttons))
}

// Inputs returns the current input word; used by tests and debug surfaces.
func (r *Region) Inputs() uint32 {
	return atomic.LoadUint32(&r.hdr.inputFlags)
}
