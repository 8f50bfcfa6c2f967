package main

import (
	"fmt"
	"os"
)

// Input bits the pattern core reacts to. The mapping is core-specific; bits
// 5 and 6 steer the scroll left and right so relay-side testing with a real
// viewer does something visible.
const (
	btnLeft  = 1 << 5
	btnRight = 1 << 6
)

// patternCore renders a scrolling gradient, perturbed by the input word so
// the relay→region→core input path is observable end to end. The ROM is
// only used to seed the palette; the file may be missing.
type patternCore struct {
	width  uint32
	height uint32
	tick   uint32
	offset int32
	seed   byte
}

func newPatternCore(romPath string, width, height uint32) (*patternCore, error) {
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("invalid geometry %dx%d", width, height)
	}
	c := &patternCore{width: width, height: height}
	if rom, err := os.ReadFile(romPath); err == nil {
		for _, b := range rom {
			c.seed ^= b
		}
	}
	return c, nil
}

func (c *patternCore) Update(input uint32, video []byte, audio []int16) error {
	c.tick++
	switch {
	case input&btnLeft != 0:
		c.offset--
	case input&btnRight != 0:
		c.offset++
	default:
		c.offset++
	}
	w, h := int(c.width), int(c.height)
	for y := 0; y < h; y++ {
		row := video[y*w*4:]
		for x := 0; x < w; x++ {
			px := row[x*4:]
			px[0] = byte(x+int(c.offset)) + c.seed
			px[1] = byte(y + int(c.tick)/4)
			px[2] = byte(int(c.tick) / 16)
			px[3] = 0xFF
		}
	}
	return nil
}
