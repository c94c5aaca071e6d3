// Package imapclient is a pragmatic IMAP client for Go, built around a
// byte-level lexer for the protocol's response grammar.
//
// Server responses are split by the transport into records: plain
// lines, or marker-terminated text paired with the raw {size} literal
// bytes that followed it on the wire. A TokenSource turns a record
// sequence into a flat stream of atoms, quoted strings, bracketed
// sections and punctuation. Everything the client understands about a
// response (folders, search results, FETCH records, IDLE events) is
// parsed from that stream.
//
// On top of the lexer the package offers the operations most
// applications need:
//
//   - Connecting over TLS
//   - Authenticating with LOGIN or XOAUTH2 (OAuth 2.0)
//   - Selecting/Examining folders, searching (UID SEARCH), and fetching messages
//   - Moving messages, setting flags, deleting + expunging
//   - IMAP IDLE with callbacks for EXISTS/EXPUNGE/FETCH
//   - Automatic reconnect with re-authentication and folder restore
//
// The API is intentionally small and easy to adopt without pulling in a
// full IMAP stack.
package imapclient
