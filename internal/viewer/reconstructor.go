// Package viewer is the client-side runtime: it performs the handshake,
// frames inbound packets, and reconstructs frames by replaying deltas
// against a persisted previous frame.
package viewer

import (
	"errors"
	"fmt"

	"github.com/perun-emu/perun/internal/compress"
	"github.com/perun-emu/perun/internal/processor"
	"github.com/perun-emu/perun/internal/protocol"
)

// Surface is where reconstructed frames land: a canvas, a window, a test
// sink. Blit receives row-major RGBA sized width*height*4.
type Surface interface {
	Resize(width, height int)
	Blit(pix []byte, width, height int)
	// Overlay shows a transient error message on top of the last frame.
	Overlay(msg string)
}

// ErrUnsupportedCompression is returned for a flags byte declaring a codec
// this client does not speak (FLAG_COMPRESS_2).
var ErrUnsupportedCompression = errors.New("viewer: unsupported compression")

// Reconstructor applies incoming video packets. After every successful
// apply, previousFrame equals the frame just shown, which the next delta
// replays against.
type Reconstructor struct {
	surface       Surface
	width         int
	height        int
	imageBuffer   []byte
	previousFrame []byte
}

func NewReconstructor(surface Surface) *Reconstructor {
	return &Reconstructor{surface: surface}
}

// Size returns the current geometry.
func (r *Reconstructor) Size() (width, height int) { return r.width, r.height }

// Frame exposes the last reconstructed frame; tests compare against it.
func (r *Reconstructor) Frame() []byte { return r.imageBuffer }

// ApplyVideoFrame processes one video packet. A decompression failure
// paints an overlay and leaves the previous frame intact; the next
// keyframe (at most a second away) repairs the stream.
func (r *Reconstructor) ApplyVideoFrame(flags uint8, pkt protocol.VideoFramePacket) error {
	if w, h := int(pkt.Width), int(pkt.Height); w != r.width || h != r.height {
		r.width = w
		r.height = h
		size := w * h * 4
		r.imageBuffer = make([]byte, size)
		r.previousFrame = make([]byte, size)
		if r.surface != nil {
			r.surface.Resize(w, h)
		}
	}

	working := pkt.Data
	if flags&protocol.FlagCompress2 != 0 {
		r.overlay("unsupported compression")
		return fmt.Errorf("%w: flags 0x%02x", ErrUnsupportedCompression, flags)
	}
	if flags&protocol.FlagCompress1 != 0 {
		var err error
		working, err = compress.Unpack(pkt.Data)
		if err != nil {
			r.overlay(fmt.Sprintf("decompress error: %v", err))
			return err
		}
	}

	if flags&protocol.FlagDelta != 0 {
		processor.ApplyDelta(r.imageBuffer, r.previousFrame, working)
	} else {
		copy(r.imageBuffer, working)
	}
	copy(r.previousFrame, r.imageBuffer)

	if r.surface != nil {
		r.surface.Blit(r.imageBuffer, r.width, r.height)
	}
	return nil
}

func (r *Reconstructor) overlay(msg string) {
	if r.surface != nil {
		r.surface.Overlay(msg)
	}
}
