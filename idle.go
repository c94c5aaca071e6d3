package imapclient

import (
	"bytes"
	"fmt"
	"strings"
	"time"
)

type ExistsEvent struct {
	MessageIndex int
}

type ExpungeEvent struct {
	MessageIndex int
}

type FetchEvent struct {
	MessageIndex int
	UID          uint32
	Flags        []string
}

type IdleHandler struct {
	OnExists  func(event ExistsEvent)
	OnExpunge func(event ExpungeEvent)
	OnFetch   func(event FetchEvent)
}

const (
	IdleEventExists  = "EXISTS"
	IdleEventExpunge = "EXPUNGE"
	IdleEventFetch   = "FETCH"
)

// runIdleEvent interprets one untagged line received while idling:
//
//	* <index> EXISTS | EXPUNGE | FETCH (FLAGS (...) UID <uid>)
func (d *Dialer) runIdleEvent(line Line, handler *IdleHandler) error {
	tks, err := ParseTokens(line.TokenSource())
	if err != nil {
		return fmt.Errorf("imapclient idle parse: %w", err)
	}
	if len(tks) < 3 ||
		tks[0].Type != TLiteral || tks[0].Str != "*" ||
		tks[1].Type != TNumber ||
		tks[2].Type != TLiteral {
		return fmt.Errorf("invalid IDLE event format: %s", line.leadText())
	}
	index := tks[1].Num

	switch strings.ToUpper(tks[2].Str) {
	case IdleEventExists:
		if handler.OnExists != nil {
			go handler.OnExists(ExistsEvent{MessageIndex: index})
		}
	case IdleEventExpunge:
		if handler.OnExpunge != nil {
			go handler.OnExpunge(ExpungeEvent{MessageIndex: index})
		}
	case IdleEventFetch:
		if handler.OnFetch == nil {
			return nil
		}
		if len(tks) < 4 || tks[3].Type != TContainer {
			return fmt.Errorf("invalid FETCH event format: %s", line.leadText())
		}
		ev := FetchEvent{MessageIndex: index}
		fields := tks[3].Tokens
		for i := 0; i+1 < len(fields); i += 2 {
			switch strings.ToUpper(fields[i].Str) {
			case "FLAGS":
				if fields[i+1].Type != TContainer {
					continue
				}
				for _, f := range fields[i+1].Tokens {
					ev.Flags = append(ev.Flags, strings.TrimPrefix(f.Str, `\`))
				}
			case "UID":
				if fields[i+1].Type == TNumber {
					ev.UID = uint32(fields[i+1].Num)
				}
			}
		}
		go handler.OnFetch(ev)
	}

	return nil
}

// StartIdle enters the IDLE loop, restarting it every few minutes as
// servers tend to drop idle connections, until StopIdle is called
func (d *Dialer) StartIdle(handler *IdleHandler) error {
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()

		for {
			if !d.Connected {
				if err := d.Reconnect(); err != nil {
					warnLog(d.ConnNum, d.Folder, "idle reconnect failed", "error", err)
					return
				}
			}
			if err := d.startIdleSingle(handler); err != nil {
				warnLog(d.ConnNum, d.Folder, "idle failed", "error", err)
				return
			}

			select {
			case <-ticker.C:
				_ = d.StopIdle()
			case <-d.idleDone:
				return
			}
		}
	}()

	return nil
}

func (d *Dialer) startIdleSingle(handler *IdleHandler) error {
	if d.State() == StateIdling || d.State() == StateIdlePending {
		return fmt.Errorf("already entering or in IDLE")
	}

	d.setState(StateIdlePending)

	d.idleStop = make(chan struct{})
	d.idleDone = make(chan struct{})
	idleReady := make(chan struct{})

	go func() {
		defer func() {
			close(d.idleStop)
			if d.State() == StateIdling {
				d.setState(StateSelected)
			}
		}()

		_, err := d.Exec("IDLE", false, 0, func(line Line) error {
			text := bytes.ToUpper(line.leadText())
			switch {
			case bytes.HasPrefix(text, []byte("+")):
				d.setState(StateIdling)
				close(idleReady)
				return nil
			case bytes.HasPrefix(text, []byte("* ")):
				rest := text[2:]
				if bytes.HasPrefix(rest, []byte("OK")) {
					return nil
				}
				if bytes.HasPrefix(rest, []byte("BYE")) {
					d.setState(StateDisconnected)
					_ = d.Close()
					return fmt.Errorf("server sent BYE: %s", text)
				}
				return d.runIdleEvent(line, handler)
			case bytes.HasPrefix(text, []byte("OK ")):
				if bytes.HasPrefix(text[3:], []byte("IDLE")) {
					d.setState(StateSelected)
				}
				return nil
			}
			return nil
		})

		if err != nil {
			warnLog(d.ConnNum, d.Folder, "idle error", "error", err)
			d.setState(StateDisconnected)
		}
	}()

	select {
	case <-idleReady:
		return nil
	case <-time.After(5 * time.Second):
		d.setState(StateSelected)
		return fmt.Errorf("timeout waiting for + IDLE response")
	}
}

// StopIdle terminates the current IDLE loop
func (d *Dialer) StopIdle() error {
	if d.State() != StateIdling {
		return fmt.Errorf("not in IDLE state")
	}

	debugLog(d.ConnNum, d.Folder, "sending DONE")
	if _, err := d.conn.Write([]byte("DONE\r\n")); err != nil {
		return fmt.Errorf("failed to send DONE: %v", err)
	}

	d.setState(StateStoppingIdle)
	close(d.idleDone)

	<-d.idleStop
	d.idleDone, d.idleStop = nil, nil
	if d.State() == StateStoppingIdle {
		d.setState(StateSelected)
	}

	return nil
}
