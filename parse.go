package imapclient

import (
	"fmt"
	"regexp"
	"strconv"
)

// TimeFormat is the Go time layout of IMAP INTERNALDATE values
const TimeFormat = "_2-Jan-2006 15:04:05 -0700"

// literalSuffix matches the {size} marker that announces a literal at
// the end of a line or token.
var literalSuffix = regexp.MustCompile(`{\d+}$`)

// Token represents a parsed IMAP token
type Token struct {
	Type   TType
	Str    string
	Num    int
	Tokens []*Token
}

// TType is the enum type for token values
type TType uint8

const (
	// TUnset is an unset token; used by the parser
	TUnset TType = iota
	// TAtom is the payload of a {n} literal, replacing the marker token
	TAtom
	// TNumber is a numeric literal
	TNumber
	// TLiteral is a bare atom (field names, flags, the '*' prefix)
	TLiteral
	// TQuoted is a quoted piece of text, delimiters stripped
	TQuoted
	// TNil is a nil value, nothing
	TNil
	// TContainer is a parenthesized list of tokens
	TContainer
)

// ParseTokens builds the token tree for one response line from its raw
// token stream. Parentheses open and close containers; a token matching
// a {n} marker is replaced by the literal payload of the record it
// closes (queried right after the marker token, before the next pull);
// quoted strings lose their delimiters (the tokenizer already resolved
// escapes); digit runs become numbers and NIL becomes the nil token.
func ParseTokens(src *TokenSource) ([]*Token, error) {
	tokens := make([]*Token, 0)
	stack := []*[]*Token{&tokens}

	push := func(t *Token) {
		cur := stack[len(stack)-1]
		*cur = append(*cur, t)
	}

	for src.Next() {
		raw := src.Token()
		switch {
		case len(raw) == 1 && raw[0] == '(':
			t := &Token{Type: TContainer, Tokens: make([]*Token, 0, 1)}
			push(t)
			stack = append(stack, &t.Tokens)
		case len(raw) == 1 && raw[0] == ')':
			if len(stack) == 1 {
				return nil, fmt.Errorf("imapclient parse: unmatched ')'")
			}
			stack = stack[:len(stack)-1]
		case raw[0] == '"':
			push(&Token{Type: TQuoted, Str: string(raw[1 : len(raw)-1])})
		case literalSuffix.Match(raw):
			lit, ok := src.CurrentLiteral()
			if !ok {
				return nil, fmt.Errorf("imapclient parse: literal marker %q with no literal data", raw)
			}
			push(&Token{Type: TAtom, Str: string(lit)})
		default:
			s := string(raw)
			if num, err := strconv.Atoi(s); err == nil {
				push(&Token{Type: TNumber, Num: num})
			} else if s == "NIL" {
				push(&Token{Type: TNil})
			} else {
				push(&Token{Type: TLiteral, Str: s})
			}
		}
	}
	if err := src.Err(); err != nil {
		return nil, err
	}
	if len(stack) != 1 {
		return nil, fmt.Errorf("imapclient parse: %d unclosed parentheses", len(stack)-1)
	}
	return tokens, nil
}

// fetchTokens strips the "* <seq> FETCH" prefix from a parsed line and
// returns the message's own tokens, or nil if the line is some other
// untagged response (EXISTS, EXPUNGE, a tagged status and so on).
func fetchTokens(tks []*Token) []*Token {
	if len(tks) < 4 ||
		tks[0].Type != TLiteral || tks[0].Str != "*" ||
		tks[1].Type != TNumber ||
		tks[2].Type != TLiteral || tks[2].Str != "FETCH" {
		return nil
	}
	rec := tks[3:]
	// Some servers wrap the FETCH content in extra parentheses; flatten
	// single-child containers until the fields are reachable.
	for len(rec) == 1 && rec[0].Type == TContainer {
		rec = rec[0].Tokens
	}
	return rec
}

// ParseFetchResponse parses the lines of a FETCH response into one
// token record per message
func (d *Dialer) ParseFetchResponse(lines []Line) (records [][]*Token, err error) {
	records = make([][]*Token, 0, len(lines))
	for _, line := range lines {
		tks, err := ParseTokens(line.TokenSource())
		if err != nil {
			return nil, fmt.Errorf("imapclient fetch parse: %w", err)
		}
		if rec := fetchTokens(tks); rec != nil {
			records = append(records, rec)
		}
	}
	return records, nil
}

// parseUIDSearchResponse collects the UIDs of the untagged SEARCH lines
// of a UID SEARCH response
func parseUIDSearchResponse(lines []Line) ([]int, error) {
	uids := make([]int, 0)
	for _, line := range lines {
		tks, err := ParseTokens(line.TokenSource())
		if err != nil {
			return nil, fmt.Errorf("imapclient search parse: %w", err)
		}
		if len(tks) < 2 ||
			tks[0].Type != TLiteral || tks[0].Str != "*" ||
			tks[1].Type != TLiteral || tks[1].Str != "SEARCH" {
			continue
		}
		for _, t := range tks[2:] {
			if t.Type != TNumber {
				return nil, fmt.Errorf("imapclient search parse: unexpected %s token", GetTokenName(t.Type))
			}
			uids = append(uids, t.Num)
		}
	}
	return uids, nil
}

// GetTokenName returns the string name of a token type
func GetTokenName(tokenType TType) string {
	switch tokenType {
	case TUnset:
		return "TUnset"
	case TAtom:
		return "TAtom"
	case TNumber:
		return "TNumber"
	case TLiteral:
		return "TLiteral"
	case TQuoted:
		return "TQuoted"
	case TNil:
		return "TNil"
	case TContainer:
		return "TContainer"
	}
	return ""
}

// String returns a string representation of a Token
func (t Token) String() string {
	tokenType := GetTokenName(t.Type)
	switch t.Type {
	case TUnset, TNil:
		return tokenType
	case TAtom, TQuoted:
		return fmt.Sprintf("(%s, len %d, chars %d %#v)", tokenType, len(t.Str), len([]rune(t.Str)), t.Str)
	case TNumber:
		return fmt.Sprintf("(%s %d)", tokenType, t.Num)
	case TLiteral:
		return fmt.Sprintf("(%s %s)", tokenType, t.Str)
	case TContainer:
		return fmt.Sprintf("(%s children: %s)", tokenType, t.Tokens)
	}
	return ""
}

// CheckType validates that a token is one of the acceptable types
func (d *Dialer) CheckType(token *Token, acceptableTypes []TType, tks []*Token, loc string, v ...interface{}) (err error) {
	ok := false
	for _, a := range acceptableTypes {
		if token.Type == a {
			ok = true
			break
		}
	}
	if !ok {
		types := ""
		for i, a := range acceptableTypes {
			if i != 0 {
				types += "|"
			}
			types += GetTokenName(a)
		}
		err = fmt.Errorf("IMAP%d:%s: expected %s token %s, got %+v in %v", d.ConnNum, d.Folder, types, fmt.Sprintf(loc, v...), token, tks)
	}

	return err
}
