package shm

import "sync/atomic"

// LoadInputs samples the input word written by the relay.
func (r *Region) LoadInputs() uint32 {
	return atomic.LoadUint32(&r.hdr.inputFlags)
}

// Publish runs one producer handoff step. If the region is IDLE it claims
// it (CORE_WRITING), hands the framebuffer slice to render, and publishes
// FRAME_READY. If the consumer still owns the region the frame is skipped
// and published reports false; the caller yields and tries again next tick.
//
// A render error returns the region to IDLE so a recoverable core fault
// does not wedge the handoff.
func (r *Region) Publish(render func(video []byte) error) (published bool, err error) {
	if atomic.LoadUint32(&r.hdr.statusFlag) != StatusIdle {
		return false, nil
	}
	atomic.StoreUint32(&r.hdr.statusFlag, StatusCoreWriting)

	if err := render(r.frame()[:r.FrameBytes()]); err != nil {
		atomic.StoreUint32(&r.hdr.statusFlag, StatusIdle)
		return false, err
	}

	atomic.StoreUint32(&r.hdr.statusFlag, StatusFrameReady)
	return true, nil
}
