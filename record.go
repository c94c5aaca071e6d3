package imapclient

import "fmt"

// Record is one pre-segmented unit of server response data as produced
// by the transport: either a plain line, or marker-terminated text
// paired with the raw literal bytes the {size} marker announced. The
// literal may hold any byte value, CRLF included, and is never scanned
// by the tokenizer.
type Record struct {
	text       []byte
	literal    []byte
	hasLiteral bool
}

// NewRecord wraps a line that carries no literal.
func NewRecord(text []byte) Record {
	return Record{text: text}
}

// NewLiteralRecord pairs marker-terminated text with its literal
// payload. A {0} literal is present but empty, which is distinct from
// no literal at all.
func NewLiteralRecord(text, literal []byte) Record {
	return Record{text: text, literal: literal, hasLiteral: true}
}

// Text returns the bytes to be tokenized.
func (r Record) Text() []byte { return r.text }

// Literal returns the literal payload and whether the record carries
// one. The bytes are shared with the record, not copied.
func (r Record) Literal() ([]byte, bool) { return r.literal, r.hasLiteral }

// validate enforces the wire invariant for literal-carrying records:
// the {size} marker must close the text, so a record whose text does
// not end in '}' means the transport mis-split the response.
func (r Record) validate() error {
	if r.hasLiteral && (len(r.text) == 0 || r.text[len(r.text)-1] != '}') {
		return fmt.Errorf("%w: %q", ErrMalformedLiteral, excerpt(r.text, len(r.text)))
	}
	return nil
}
