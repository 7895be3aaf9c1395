package hsuart

import "errors"

// ErrInvalidStuffing is returned when a stuffed block is malformed: a code
// byte jumps past the terminator, a zero appears inside a group, or the
// decoded output would exceed the destination.
var ErrInvalidStuffing = errors.New("hsuart: invalid COBS stuffing")

// cobsMaxRun is the longest run of non-zero bytes one code byte can cover.
const cobsMaxRun = 254

// Stuff COBS-encodes src and appends the 0x00 terminator. The output
// contains no zero byte except that terminator. Overhead is one code byte
// per group: for a zero-free input, len(out) = len(src) + ceil(len(src)/254)
// + 1; each input zero is absorbed into a group boundary.
func Stuff(src []byte) []byte {
	if len(src) == 0 {
		return []byte{0}
	}
	out := make([]byte, 0, len(src)+len(src)/cobsMaxRun+2)
	for {
		run := 0
		for run < len(src) && run < cobsMaxRun && src[run] != 0 {
			run++
		}
		out = append(out, byte(run+1))
		out = append(out, src[:run]...)
		if run == cobsMaxRun {
			src = src[run:]
			if len(src) == 0 {
				// A full group at end of input carries no implicit zero
				// and needs no trailing group.
				break
			}
			continue
		}
		if run == len(src) {
			break
		}
		// This group's implicit zero consumes the delimiter byte.
		src = src[run+1:]
		if len(src) == 0 {
			out = append(out, 1)
			break
		}
	}
	return append(out, 0)
}

// Unstuff decodes a stuffed block (terminator included) into dst and returns
// the decoded length.
func Unstuff(dst, src []byte) (int, error) {
	n := 0
	i := 0
	for {
		if i >= len(src) {
			return 0, ErrInvalidStuffing // ran out before the terminator
		}
		code := src[i]
		if code == 0 {
			return n, nil
		}
		i++
		end := i + int(code) - 1
		if end > len(src) {
			return 0, ErrInvalidStuffing
		}
		for ; i < end; i++ {
			if src[i] == 0 {
				return 0, ErrInvalidStuffing
			}
			if n >= len(dst) {
				return 0, ErrInvalidStuffing
			}
			dst[n] = src[i]
			n++
		}
		if code != 0xFF && i < len(src) && src[i] != 0 {
			// Implicit zero between groups, absent after a full group and
			// before the terminator.
			if n >= len(dst) {
				return 0, ErrInvalidStuffing
			}
			dst[n] = 0
			n++
		}
	}
}
