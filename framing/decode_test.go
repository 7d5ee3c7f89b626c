package framing

import (
	"testing"
)

type decodeTest struct {
	name    string
	input   string
	ok      bool
	message string
	method  Method
	rest    string
}

func runDecodeTests(t *testing.T, tests []decodeTest) {
	t.Helper()
	for _, tt := range tests {
		r := DecodeOneMessage(NewWindow([]byte(tt.input)))
		if r.OK != tt.ok {
			t.Errorf("test %s: match got %v, exp %v", tt.name, r.OK, tt.ok)
			continue
		}
		if string(r.Rest.Bytes()) != tt.rest {
			t.Errorf("test %s: rest got %q, exp %q", tt.name, r.Rest.Bytes(), tt.rest)
		}
		if !tt.ok {
			continue
		}
		if string(r.Value.Message) != tt.message {
			t.Errorf("test %s: message got %q, exp %q", tt.name, r.Value.Message, tt.message)
		}
		if r.Value.Method != tt.method {
			t.Errorf("test %s: method got %s, exp %s", tt.name, r.Value.Method, tt.method)
		}
	}
}

func Test_DecodeIncompleteData(t *testing.T) {
	runDecodeTests(t, []decodeTest{
		{name: "empty", input: "", rest: ""},
		{name: "lone digit", input: "2", rest: "2"},
		{name: "declared length exceeds data", input: "42 foo\nbar", rest: "42 foo\nbar"},
		{name: "prefix only", input: "5 ", rest: "5 "},
		{name: "oversized prefix", input: "99999999999999999999 foo\nbar", rest: "99999999999999999999 foo\nbar"},
	})
}

func Test_DecodeInvalidPrefixWithoutNewline(t *testing.T) {
	runDecodeTests(t, []decodeTest{
		{name: "no space", input: "12TheQuickBrownFox", rest: "12TheQuickBrownFox"},
		{name: "leading space", input: " 12 TheQuickBrownFox", rest: " 12 TheQuickBrownFox"},
		{name: "plus sign", input: "+12 TheQuickBrownFox", rest: "+12 TheQuickBrownFox"},
		{name: "underscore", input: "1_2 TheQuickBrownFox", rest: "1_2 TheQuickBrownFox"},
		{name: "tab", input: "12\t TheQuickBrownFox", rest: "12\t TheQuickBrownFox"},
		{name: "leading zero", input: "0 foo", rest: "0 foo"},
	})
}

func Test_DecodeInvalidPrefixWithNewline(t *testing.T) {
	runDecodeTests(t, []decodeTest{
		{name: "no space", input: "12TheQuickBrown\nFox", ok: true, message: "12TheQuickBrown", method: NonTransparent, rest: "Fox"},
		{name: "leading space", input: " 12 TheQuickBrown\nFox", ok: true, message: " 12 TheQuickBrown", method: NonTransparent, rest: "Fox"},
		{name: "plus sign", input: "+12 TheQuickBrown\nFox", ok: true, message: "+12 TheQuickBrown", method: NonTransparent, rest: "Fox"},
		{name: "underscore", input: "1_2 TheQuickBrown\nFox", ok: true, message: "1_2 TheQuickBrown", method: NonTransparent, rest: "Fox"},
		{name: "tab", input: "12\t TheQuickBrown\nFox", ok: true, message: "12\t TheQuickBrown", method: NonTransparent, rest: "Fox"},
		{name: "leading zero", input: "0 foo\nbar", ok: true, message: "0 foo", method: NonTransparent, rest: "bar"},
	})
}

func Test_DecodeOctetCounting(t *testing.T) {
	runDecodeTests(t, []decodeTest{
		{name: "exact", input: "1 x", ok: true, message: "x", method: OctetCounting, rest: ""},
		{name: "trailing byte", input: "1 xy", ok: true, message: "x", method: OctetCounting, rest: "y"},
		{name: "trailing newline", input: "1 xy\n", ok: true, message: "x", method: OctetCounting, rest: "y\n"},
		{name: "fox", input: "12 TheQuickBrownFox", ok: true, message: "TheQuickBrow", method: OctetCounting, rest: "nFox"},
		{
			name:    "cron",
			input:   "45 May 26 13:45:01 Klapprechner CRON[8046]: octet message\n",
			ok:      true,
			message: "May 26 13:45:01 Klapprechner CRON[8046]: octe",
			method:  OctetCounting,
			rest:    "t message\n",
		},
		{name: "embedded newline", input: "9 foo\nbar\nbaz\n", ok: true, message: "foo\nbar\nb", method: OctetCounting, rest: "az\n"},
	})
}

func Test_DecodeNonTransparent(t *testing.T) {
	runDecodeTests(t, []decodeTest{
		{name: "bare newline", input: "\n", ok: true, message: "", method: NonTransparent, rest: ""},
		{name: "newline then data", input: "\nx", ok: true, message: "", method: NonTransparent, rest: "x"},
		{name: "several lines", input: "foo\nis\nnot\nbar", ok: true, message: "foo", method: NonTransparent, rest: "is\nnot\nbar"},
		{name: "rfc5424 header", input: "<34>1 2003-10-11T22:14:15.003Z mymachine su - - - hi\n", ok: true, message: "<34>1 2003-10-11T22:14:15.003Z mymachine su - - - hi", method: NonTransparent, rest: ""},
	})
}

func Test_DecodeAll(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
		rest     string
	}{
		{
			name:     "empty",
			input:    "",
			expected: nil,
			rest:     "",
		},
		{
			name:     "mixed framing",
			input:    "3 abcline one\n5 x\ny\nzline two\npartial",
			expected: []string{"abc", "line one", "x\ny\nz", "line two"},
			rest:     "partial",
		},
		{
			name:     "incomplete octet frame stops decoding",
			input:    "a\n10 short\nb\n",
			expected: []string{"a"},
			rest:     "10 short\nb\n",
		},
	}

	for _, tt := range tests {
		frames, rest := DecodeAll(NewWindow([]byte(tt.input)))
		if len(frames) != len(tt.expected) {
			t.Errorf("test %s: decoded %d messages, exp %d", tt.name, len(frames), len(tt.expected))
			continue
		}
		for i := range frames {
			if string(frames[i].Message) != tt.expected[i] {
				t.Errorf("test %s: message %d got %q, exp %q", tt.name, i, frames[i].Message, tt.expected[i])
			}
		}
		if string(rest.Bytes()) != tt.rest {
			t.Errorf("test %s: rest got %q, exp %q", tt.name, rest.Bytes(), tt.rest)
		}
	}
}

func Test_MethodString(t *testing.T) {
	if OctetCounting.String() != "octet_counting" || NonTransparent.String() != "non_transparent" {
		t.Fatalf("unexpected method names: %s, %s", OctetCounting, NonTransparent)
	}
}
