package framing

import (
	"math"
	"strings"
)

const (
	digits        = "0123456789"
	leadingDigits = "123456789"
)

// ConsumeExactly matches the first n bytes of w.
func ConsumeExactly(n int, w Window) Result[[]byte] {
	if n < 0 || w.Len() < n {
		return noMatch[[]byte](w)
	}
	return match(w.Slice(0, n).Bytes(), w.Advance(n))
}

// ConsumeOneOf matches the first byte of w if it is one of allowed.
func ConsumeOneOf(allowed string, w Window) Result[byte] {
	if w.Len() == 0 {
		return noMatch[byte](w)
	}
	b := w.At(0)
	if strings.IndexByte(allowed, b) < 0 {
		return noMatch[byte](w)
	}
	return match(b, w.Advance(1))
}

// ConsumeDigit matches one ASCII decimal digit.
func ConsumeDigit(w Window) Result[byte] {
	return ConsumeOneOf(digits, w)
}

// ConsumeZeroOrMore applies p until it stops matching and returns every
// value it produced. It always matches, possibly with no values. A match
// that consumes nothing ends the repetition.
func ConsumeZeroOrMore[T any](p Parser[T], w Window) Result[[]T] {
	var values []T
	for {
		r := p(w)
		if !r.OK {
			return match(values, w)
		}
		values = append(values, r.Value)
		if r.Rest.Len() == w.Len() {
			return match(values, r.Rest)
		}
		w = r.Rest
	}
}

// ConsumeLengthPrefix matches the octet-counting header: a non-zero digit,
// any further digits and exactly one space. A leading zero or any other
// terminator is not a match. A value that does not fit an int saturates at
// math.MaxInt, so its body can never be complete.
func ConsumeLengthPrefix(w Window) Result[int] {
	first := ConsumeOneOf(leadingDigits, w)
	if !first.OK {
		return noMatch[int](w)
	}
	more := ConsumeZeroOrMore[byte](ConsumeDigit, first.Rest)
	space := ConsumeOneOf(" ", more.Rest)
	if !space.OK {
		return noMatch[int](w)
	}

	n := int(first.Value - '0')
	for _, d := range more.Value {
		v := int(d - '0')
		if n > (math.MaxInt-v)/10 {
			n = math.MaxInt
			continue
		}
		n = n*10 + v
	}
	return match(n, space.Rest)
}

// ConsumeNewlineTerminated matches everything up to the first newline. The
// newline is consumed but not part of the value. Without a newline in w
// there is no match: the frame is not complete yet.
func ConsumeNewlineTerminated(w Window) Result[[]byte] {
	i := w.IndexByte('\n')
	if i < 0 {
		return noMatch[[]byte](w)
	}
	return match(w.Slice(0, i).Bytes(), w.Advance(i+1))
}
