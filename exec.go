package imapclient

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	retry "github.com/StirlingMarketingGroup/go-retry"
	"github.com/rs/xid"
)

// Line is one logical response line, pre-split by the transport into
// records: every {size} marker closes a record carrying the literal
// bytes the server sent next, and the remainder of the line follows as
// further records until a plain tail.
type Line struct {
	Records []Record
}

// TokenSource returns a fresh token stream over the line's records.
func (l Line) TokenSource() *TokenSource {
	return NewTokenSource(l.Records)
}

// leadText returns the text of the line's first record, which is where
// tags and untagged '*' prefixes live.
func (l Line) leadText() []byte {
	if len(l.Records) == 0 {
		return nil
	}
	return l.Records[0].Text()
}

// Response collects the untagged lines a command produced.
type Response struct {
	Lines []Line
}

// readLine reads one logical response line. A physical line whose text
// ends in a {size} marker is followed on the wire by size raw literal
// bytes and then the continuation of the same logical line, possibly
// through further literals, until a line with no trailing marker.
func readLine(r *bufio.Reader) (line Line, err error) {
	for {
		raw, err := r.ReadBytes('\n')
		if err != nil {
			return line, err
		}
		text := dropNl(raw)

		m := literalSuffix.Find(text)
		if m == nil {
			line.Records = append(line.Records, NewRecord(text))
			return line, nil
		}

		n, err := strconv.Atoi(string(m[1 : len(m)-1]))
		if err != nil {
			return line, err
		}
		lit := make([]byte, n)
		if _, err = io.ReadFull(r, lit); err != nil {
			return line, err
		}
		line.Records = append(line.Records, NewLiteralRecord(text, lit))
	}
}

// Exec executes an IMAP command with retry logic, handing each untagged
// response line to processLine and/or collecting them into a Response
// when buildResponse is set
func (d *Dialer) Exec(command string, buildResponse bool, retryCount int, processLine func(line Line) error) (resp *Response, err error) {
	err = retry.Retry(func() (err error) {
		tag := []byte(strings.ToUpper(xid.New().String()))

		if CommandTimeout != 0 {
			_ = d.conn.SetDeadline(time.Now().Add(CommandTimeout))
			defer func() { _ = d.conn.SetDeadline(time.Time{}) }()
		}

		c := fmt.Sprintf("%s %s\r\n", tag, command)

		if Verbose {
			sanitized := strings.ReplaceAll(strings.TrimSpace(c), fmt.Sprintf(`"%s"`, d.Password), `"****"`)
			debugLog(d.ConnNum, d.Folder, "sending command", "command", sanitized)
		}

		_, err = d.conn.Write([]byte(c))
		if err != nil {
			return err
		}

		r := bufio.NewReader(d.conn)

		if buildResponse {
			resp = &Response{}
		}
		for {
			line, err := readLine(r)
			if err != nil {
				return err
			}

			text := line.leadText()
			if Verbose && !SkipResponses {
				debugLog(d.ConnNum, d.Folder, "server response", "response", string(text))
			}

			// XID tags are 20 uppercase base32hex characters (0-9, A-V).
			taglen := len(tag)
			oklen := 3
			if len(text) >= taglen+oklen && bytes.Equal(text[:taglen], tag) {
				if !bytes.Equal(text[taglen+1:taglen+oklen], []byte("OK")) {
					return fmt.Errorf("imapclient command failed: %s", text[taglen+oklen+1:])
				}
				return nil
			}

			if processLine != nil {
				if err = processLine(line); err != nil {
					return err
				}
			}
			if buildResponse {
				resp.Lines = append(resp.Lines, line)
			}
		}
	}, retryCount, func(err error) error {
		if Verbose {
			warnLog(d.ConnNum, d.Folder, "command failed, closing connection", "error", err)
		}
		_ = d.Close()
		return nil
	}, func() error {
		return d.Reconnect()
	})
	if err != nil {
		errorLog(d.ConnNum, d.Folder, "command retries exhausted", "error", err)
		return nil, err
	}

	return resp, nil
}
