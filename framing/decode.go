package framing

// Method identifies the framing convention a message was decoded with.
type Method int

const (
	NonTransparent Method = iota
	OctetCounting
)

func (m Method) String() string {
	switch m {
	case OctetCounting:
		return "octet_counting"
	case NonTransparent:
		return "non_transparent"
	}
	return "unknown"
}

// Frame is one decoded message. Message shares memory with the decoded
// window.
type Frame struct {
	Message []byte
	Method  Method
}

// DecodeOctetCounted decodes a length-prefixed message. A valid prefix whose
// body has not fully arrived yet is not a match.
func DecodeOctetCounted(w Window) Result[[]byte] {
	length := ConsumeLengthPrefix(w)
	if !length.OK {
		return noMatch[[]byte](w)
	}
	body := ConsumeExactly(length.Value, length.Rest)
	if !body.OK {
		return noMatch[[]byte](w)
	}
	return body
}

// DecodeNonTransparent decodes a newline-terminated message.
func DecodeNonTransparent(w Window) Result[[]byte] {
	return ConsumeNewlineTerminated(w)
}

// DecodeOneMessage decodes the first message in w. If w starts with a valid
// length prefix the message is octet counted, and an incomplete body means
// more data is needed; newline framing is only tried when there is no
// valid length prefix at all.
func DecodeOneMessage(w Window) Result[Frame] {
	if length := ConsumeLengthPrefix(w); length.OK {
		body := ConsumeExactly(length.Value, length.Rest)
		if !body.OK {
			return noMatch[Frame](w)
		}
		return match(Frame{Message: body.Value, Method: OctetCounting}, body.Rest)
	}

	r := DecodeNonTransparent(w)
	if !r.OK {
		return noMatch[Frame](w)
	}
	return match(Frame{Message: r.Value, Method: NonTransparent}, r.Rest)
}

// DecodeAll decodes as many messages from w as possible. It returns them in
// order, together with the undecoded remainder.
func DecodeAll(w Window) ([]Frame, Window) {
	var frames []Frame
	for {
		r := DecodeOneMessage(w)
		if !r.OK {
			return frames, w
		}
		frames = append(frames, r.Value)
		w = r.Rest
	}
}
