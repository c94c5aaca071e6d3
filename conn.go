package imapclient

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"sync"

	retry "github.com/StirlingMarketingGroup/go-retry"
)

var (
	nextConnNum      = 0
	nextConnNumMutex = sync.RWMutex{}
)

// Dialer represents an IMAP connection
type Dialer struct {
	conn      *tls.Conn
	Folder    string
	ReadOnly  bool
	Username  string
	Password  string
	Host      string
	Port      int
	Connected bool
	ConnNum   int
	state     int
	stateMu   sync.Mutex
	idleStop  chan struct{}
	idleDone  chan struct{}
	// useXOAUTH2 indicates whether XOAUTH2 authentication should be used
	// on (re)connection instead of LOGIN. It is set by NewWithOAuth2.
	useXOAUTH2 bool
}

// Connection states
const (
	StateDisconnected = iota
	StateConnected
	StateSelected
	StateIdlePending
	StateIdling
	StateStoppingIdle
)

func (d *Dialer) setState(s int) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	d.state = s
}

// State returns the current connection state
func (d *Dialer) State() int {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.state
}

// dialHost establishes a TLS connection to the IMAP server
func dialHost(host string, port int) (*tls.Conn, error) {
	dialer := &net.Dialer{Timeout: DialTimeout}
	var cfg *tls.Config
	if TLSSkipVerify {
		cfg = &tls.Config{InsecureSkipVerify: true}
	}
	return tls.DialWithDialer(dialer, "tcp", host+":"+strconv.Itoa(port), cfg)
}

func takeConnNum() int {
	nextConnNumMutex.Lock()
	defer nextConnNumMutex.Unlock()
	n := nextConnNum
	nextConnNum++
	return n
}

// connect dials the server with retries and returns an unauthenticated
// Dialer. Authentication is not retried: auth failures should not
// trigger reconnection.
func connect(username, password, host string, port int, useXOAUTH2 bool) (d *Dialer, err error) {
	connNum := takeConnNum()

	err = retry.Retry(func() error {
		debugLog(connNum, "", "establishing connection", "host", host, "port", port)
		conn, err := dialHost(host, port)
		if err != nil {
			debugLog(connNum, "", "failed to connect", "error", err)
			return err
		}
		d = &Dialer{
			conn:       conn,
			Username:   username,
			Password:   password,
			Host:       host,
			Port:       port,
			Connected:  true,
			ConnNum:    connNum,
			useXOAUTH2: useXOAUTH2,
		}
		return nil
	}, RetryCount, func(err error) error {
		if Verbose {
			warnLog(connNum, "", "failed to connect, retrying shortly", "error", err)
		}
		if d != nil && d.conn != nil {
			_ = d.conn.Close()
		}
		return nil
	}, func() error {
		debugLog(connNum, "", "retrying connection now")
		return nil
	})
	if err != nil {
		errorLog(connNum, "", "failed to establish connection", "error", err)
		if d != nil && d.conn != nil {
			_ = d.conn.Close()
		}
		return nil, err
	}

	return d, nil
}

// New creates a new IMAP connection using username/password authentication
func New(username string, password string, host string, port int) (d *Dialer, err error) {
	d, err = connect(username, password, host, port, false)
	if err != nil {
		return nil, err
	}
	if err = d.Login(username, password); err != nil {
		errorLog(d.ConnNum, "", "authentication failed", "error", err)
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

// NewWithOAuth2 creates a new IMAP connection using OAuth2 authentication
func NewWithOAuth2(username string, accessToken string, host string, port int) (d *Dialer, err error) {
	d, err = connect(username, accessToken, host, port, true)
	if err != nil {
		return nil, err
	}
	if err = d.Authenticate(username, accessToken); err != nil {
		errorLog(d.ConnNum, "", "authentication failed", "error", err)
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

// Clone creates a copy of the dialer with the same configuration
func (d *Dialer) Clone() (d2 *Dialer, err error) {
	if d.useXOAUTH2 {
		d2, err = NewWithOAuth2(d.Username, d.Password, d.Host, d.Port)
	} else {
		d2, err = New(d.Username, d.Password, d.Host, d.Port)
	}
	if err != nil {
		return nil, err
	}
	if d.Folder != "" {
		if d.ReadOnly {
			err = d2.ExamineFolder(d.Folder)
		} else {
			err = d2.SelectFolder(d.Folder)
		}
		if err != nil {
			return nil, fmt.Errorf("imapclient clone: %s", err)
		}
	}
	return d2, err
}

// Close closes the IMAP connection
func (d *Dialer) Close() (err error) {
	if d.Connected {
		debugLog(d.ConnNum, d.Folder, "closing connection")
		err = d.conn.Close()
		if err != nil {
			return fmt.Errorf("imapclient close: %s", err)
		}
		d.Connected = false
	}
	return err
}

// Reconnect closes and reopens the IMAP connection with re-authentication
func (d *Dialer) Reconnect() (err error) {
	_ = d.Close()
	debugLog(d.ConnNum, d.Folder, "reopening connection")

	conn, err := dialHost(d.Host, d.Port)
	if err != nil {
		return fmt.Errorf("imapclient reconnect dial: %s", err)
	}
	d.conn = conn
	d.Connected = true

	// Re-authenticate using the original method
	if d.useXOAUTH2 {
		if err := d.Authenticate(d.Username, d.Password); err != nil {
			// Best effort cleanup on failure
			_ = d.conn.Close()
			d.Connected = false
			return fmt.Errorf("imapclient reconnect auth xoauth2: %s", err)
		}
	} else {
		if err := d.Login(d.Username, d.Password); err != nil {
			_ = d.conn.Close()
			d.Connected = false
			return fmt.Errorf("imapclient reconnect login: %s", err)
		}
	}

	// Restore selected folder state if any
	if d.Folder != "" {
		if d.ReadOnly {
			if err := d.ExamineFolder(d.Folder); err != nil {
				return fmt.Errorf("imapclient reconnect examine: %s", err)
			}
		} else {
			if err := d.SelectFolder(d.Folder); err != nil {
				return fmt.Errorf("imapclient reconnect select: %s", err)
			}
		}
	}

	return nil
}
