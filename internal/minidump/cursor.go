package minidump

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf16"
)

var errTruncated = errors.New("truncated")

// cursor reads fixed-width fields out of the dump arena. The first failed
// read is sticky: later reads return zero values and err keeps the context
// of the failure.
type cursor struct {
	data  []byte
	order binary.ByteOrder
	off   int
	err   error
	ctx   string
}

func newCursor(data []byte, order binary.ByteOrder, off int, ctx string) *cursor {
	return &cursor{data: data, order: order, off: off, ctx: ctx}
}

func (c *cursor) need(n int) bool {
	if c.err != nil {
		return false
	}
	if n < 0 || c.off < 0 || c.off > len(c.data) || n > len(c.data)-c.off {
		c.err = fmt.Errorf("%w: %d bytes at offset %#x while %s", errTruncated, n, c.off, c.ctx)
		return false
	}
	return true
}

func (c *cursor) u8() uint8 {
	if !c.need(1) {
		return 0
	}
	r := c.data[c.off]
	c.off++
	return r
}

func (c *cursor) u16() uint16 {
	if !c.need(2) {
		return 0
	}
	r := c.order.Uint16(c.data[c.off:])
	c.off += 2
	return r
}

func (c *cursor) u32() uint32 {
	if !c.need(4) {
		return 0
	}
	r := c.order.Uint32(c.data[c.off:])
	c.off += 4
	return r
}

func (c *cursor) u64() uint64 {
	if !c.need(8) {
		return 0
	}
	r := c.order.Uint64(c.data[c.off:])
	c.off += 8
	return r
}

func (c *cursor) bytes(n int) []byte {
	if !c.need(n) {
		return nil
	}
	r := c.data[c.off : c.off+n]
	c.off += n
	return r
}

func (c *cursor) skip(n int) {
	if c.need(n) {
		c.off += n
	}
}

func (c *cursor) location() Location {
	size := c.u32()
	rva := c.u32()
	return Location{DataSize: size, RVA: rva}
}

// span returns the bytes a location refers to, or false when the location
// falls outside the arena.
func span(data []byte, loc Location) ([]byte, bool) {
	if loc.End() > uint64(len(data)) {
		return nil, false
	}
	return data[loc.RVA:loc.End()], true
}

// readString decodes a MINIDUMP_STRING (byte length followed by UTF-16).
func readString(data []byte, order binary.ByteOrder, rva uint32) (string, error) {
	c := newCursor(data, order, int(rva), "reading string")
	n := c.u32()
	raw := c.bytes(int(n &^ 1))
	if c.err != nil {
		return "", c.err
	}
	return decodeUTF16(raw, order), nil
}

func decodeUTF16(raw []byte, order binary.ByteOrder) string {
	units := make([]uint16, 0, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		units = append(units, order.Uint16(raw[i:]))
	}
	for len(units) > 0 && units[len(units)-1] == 0 {
		units = units[:len(units)-1]
	}
	return string(utf16.Decode(units))
}

// cString returns the bytes up to the first NUL.
func cString(raw []byte) string {
	for i, b := range raw {
		if b == 0 {
			return string(raw[:i])
		}
	}
	return string(raw)
}
