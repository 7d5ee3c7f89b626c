// Package framing splits syslog byte streams into messages, following the two
// framing conventions of RFC 6587: octet counting, where every message is
// preceded by its decimal length and a space, and non-transparent framing,
// where every message is terminated by a newline.
//
// Everything in this package is pure. Parsers take a Window and return a
// Result; a parser that does not match returns the Window it was given, so
// parsers compose without ever leaking partial consumption.
package framing

import "bytes"

// Window is an immutable view over a byte slice. Slicing a Window never
// copies the underlying data.
type Window struct {
	buf []byte
	off int
	n   int
}

// NewWindow returns a Window over all of b.
func NewWindow(b []byte) Window {
	return Window{buf: b, n: len(b)}
}

// Len returns the number of bytes in the window.
func (w Window) Len() int { return w.n }

// Offset returns the position of the window's first byte in the
// underlying slice.
func (w Window) Offset() int { return w.off }

// Bytes returns the window contents. The returned slice shares memory with
// the underlying data, and its capacity ends at the window end so appending
// to it never overwrites bytes outside the window.
func (w Window) Bytes() []byte {
	return w.buf[w.off : w.off+w.n : w.off+w.n]
}

// At returns the i-th byte of the window.
func (w Window) At(i int) byte {
	if i < 0 || i >= w.n {
		panic("framing: window index out of range")
	}
	return w.buf[w.off+i]
}

// Slice returns the sub-window [i, j).
func (w Window) Slice(i, j int) Window {
	if i < 0 || j < i || j > w.n {
		panic("framing: window slice out of range")
	}
	return Window{buf: w.buf, off: w.off + i, n: j - i}
}

// Advance returns the window with the first n bytes removed.
func (w Window) Advance(n int) Window {
	return w.Slice(n, w.n)
}

// IndexByte returns the index of the first c in the window, or -1.
func (w Window) IndexByte(c byte) int {
	return bytes.IndexByte(w.Bytes(), c)
}

// Result is the outcome of a parse. When OK is false, Value is the zero
// value and Rest is the window exactly as it was passed to the parser.
type Result[T any] struct {
	Value T
	OK    bool
	Rest  Window
}

// Parser is a function recognising a T at the start of a window.
type Parser[T any] func(Window) Result[T]

func match[T any](v T, rest Window) Result[T] {
	return Result[T]{Value: v, OK: true, Rest: rest}
}

func noMatch[T any](w Window) Result[T] {
	return Result[T]{Rest: w}
}
