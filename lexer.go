package imapclient

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// Errors surfaced while tokenizing response records. All of them are
// fatal to the current response: the server sent syntactically invalid
// data or the transport mis-split it, so the caller should abort rather
// than retry the same bytes. Match with errors.Is.
var (
	ErrUnterminatedBracket = errors.New("no closing ']' before end of response text")
	ErrUnexpectedQuote     = errors.New("'\"' inside an unquoted token")
	ErrUnterminatedQuote   = errors.New("no closing '\"' before end of response text")
	ErrMalformedLiteral    = errors.New("literal-carrying record text does not end in '}'")
)

// Byte classes of the response grammar. The table is filled in once by
// init and read-only afterwards.
const (
	classWord byte = iota
	classControl
	classSpecial
	classWhitespace
)

var byteClass [256]byte

func init() {
	for b := 0; b < 0x20; b++ {
		byteClass[b] = classControl
	}
	for _, b := range []byte(` ()%"[`) {
		byteClass[b] = classSpecial
	}
	// Space is listed as a special too, but whitespace wins: the reader
	// checks for it before any punctuation handling.
	for _, b := range []byte(" \t\r\n") {
		byteClass[b] = classWhitespace
	}
}

// tokenReader walks one record's text left to right and hands out raw
// tokens. It is single use: the cursor never moves backward, and a new
// reader is needed for every buffer.
type tokenReader struct {
	buf []byte
	pos int
}

// next returns the next token, or io.EOF once the buffer is drained.
// Word and bracket tokens alias the underlying buffer; quoted strings
// are copied because escape resolution rewrites them.
func (r *tokenReader) next() ([]byte, error) {
	for r.pos < len(r.buf) && byteClass[r.buf[r.pos]] == classWhitespace {
		r.pos++
	}
	if r.pos >= len(r.buf) {
		return nil, io.EOF
	}

	start := r.pos
	for r.pos < len(r.buf) {
		b := r.buf[r.pos]
		switch {
		case byteClass[b] == classWord:
			r.pos++
		case b == '[':
			// Capture the bracketed section verbatim up to the first
			// ']'. No nesting: a ']' inside the section closes it
			// early. Response codes never nest brackets in practice.
			end := bytes.IndexByte(r.buf[r.pos:], ']')
			if end < 0 {
				return nil, r.errAt(ErrUnterminatedBracket, r.pos)
			}
			r.pos += end + 1
		case byteClass[b] == classWhitespace:
			return r.buf[start:r.pos], nil
		case b == '"':
			if r.pos > start {
				// A quoted string may only start at a token boundary.
				return nil, r.errAt(ErrUnexpectedQuote, r.pos)
			}
			return r.quoted()
		default:
			// Other punctuation, e.g. '(' or ')'. It ends the pending
			// token; the byte itself comes out as a one-byte token.
			if r.pos > start {
				return r.buf[start:r.pos], nil
			}
			r.pos++
			return r.buf[r.pos-1 : r.pos], nil
		}
	}

	// Ran off the end mid-word. Normal when the atom is the last token
	// in the record.
	return r.buf[start:r.pos], nil
}

// quoted reads a quoted string starting at the opening '"'. The token
// keeps both quote delimiters; \" and \\ are unescaped, any other
// backslash passes through untouched.
func (r *tokenReader) quoted() ([]byte, error) {
	start := r.pos
	tok := make([]byte, 0, 16)
	tok = append(tok, '"')
	r.pos++
	for r.pos < len(r.buf) {
		b := r.buf[r.pos]
		switch b {
		case '\\':
			if r.pos+1 >= len(r.buf) {
				return nil, r.errAt(ErrUnterminatedQuote, start)
			}
			if esc := r.buf[r.pos+1]; esc == '\\' || esc == '"' {
				tok = append(tok, esc)
				r.pos += 2
				continue
			}
			tok = append(tok, '\\')
			r.pos++
		case '"':
			tok = append(tok, '"')
			r.pos++
			return tok, nil
		default:
			tok = append(tok, b)
			r.pos++
		}
	}
	return nil, r.errAt(ErrUnterminatedQuote, start)
}

func (r *tokenReader) errAt(kind error, pos int) error {
	return fmt.Errorf("%w at offset %d: %q", kind, pos, excerpt(r.buf, pos))
}

// lexer flattens the token streams of an ordered record sequence and
// remembers which record is currently under the reader so that its
// literal can be looked up.
type lexer struct {
	records []Record
	idx     int
	reader  *tokenReader
	current *Record
}

func (l *lexer) nextToken() ([]byte, error) {
	for {
		if l.reader != nil {
			tok, err := l.reader.next()
			if err == nil {
				return tok, nil
			}
			if err != io.EOF {
				return nil, err
			}
			l.reader = nil
		}
		if l.idx >= len(l.records) {
			return nil, io.EOF
		}
		rec := &l.records[l.idx]
		l.idx++
		if err := rec.validate(); err != nil {
			return nil, err
		}
		l.current = rec
		l.reader = &tokenReader{buf: rec.text}
	}
}

// TokenSource is the entry point for tokenizing server responses: a
// scanner over the flattened token stream of a record sequence, plus
// access to the literal belonging to the record currently being
// tokenized.
//
// CurrentLiteral follows the protocol's side-channel shape: call it
// only immediately after Next produced a token ending in '}' (a {size}
// marker) and before the following Next. At that moment it returns the
// literal announced by that marker. At any other time it reports
// whichever record happens to be current, which may not be the one the
// caller has in mind.
type TokenSource struct {
	lex *lexer
	tok []byte
	err error
}

// NewTokenSource tokenizes records in order, concatenating their token
// streams into one. The records are borrowed, not copied; literals are
// returned as slices of the caller's data.
func NewTokenSource(records []Record) *TokenSource {
	return &TokenSource{lex: &lexer{records: records}}
}

// Next advances to the next token. It returns false when the stream is
// exhausted or tokenizing failed; Err tells the two apart. The stream
// is finite and cannot be restarted.
func (s *TokenSource) Next() bool {
	if s.err != nil {
		return false
	}
	tok, err := s.lex.nextToken()
	if err != nil {
		s.tok = nil
		if err != io.EOF {
			s.err = err
		}
		return false
	}
	s.tok = tok
	return true
}

// Token returns the token produced by the last successful Next. It is
// only valid until the next call to Next.
func (s *TokenSource) Token() []byte { return s.tok }

// Err returns the error that stopped the stream, or nil if it simply
// ran out of records.
func (s *TokenSource) Err() error { return s.err }

// CurrentLiteral returns the literal payload of the record currently
// being tokenized, if it carries one.
func (s *TokenSource) CurrentLiteral() ([]byte, bool) {
	if s.lex.current == nil {
		return nil, false
	}
	return s.lex.current.Literal()
}
