package imapclient

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// mockIMAPServer is a minimal IMAP server for tests. It speaks just
// enough of the protocol to satisfy the client: greeting, tagged
// status lines, and canned data responses per command.
type mockIMAPServer struct {
	listener     net.Listener
	address      string
	authAttempts int32
	validUser    string
	validPass    string
	failAuth     bool
}

func newMockIMAPServer(validUser, validPass string) (*mockIMAPServer, error) {
	cert, err := generateSelfSignedCertificate()
	if err != nil {
		return nil, fmt.Errorf("failed to generate certificate: %v", err)
	}

	listener, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{cert},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create TLS listener: %v", err)
	}

	server := &mockIMAPServer{
		listener:  listener,
		address:   listener.Addr().String(),
		validUser: validUser,
		validPass: validPass,
	}

	go server.serve()
	return server, nil
}

func (s *mockIMAPServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConnection(conn)
	}
}

const mockOverviewLine = `* 1 FETCH (UID 7 FLAGS (\Seen) INTERNALDATE "12-Jul-2024 10:30:00 +0000" RFC822.SIZE 17 ENVELOPE ("Mon, 1 Jul 2024 10:00:00 +0000" "Hi" (("Ann" NIL "ann" "example.com")) NIL NIL (("Bob" NIL "bob" "example.com")) NIL NIL NIL "<id@example.com>"))` + "\r\n"

const mockBody = "Subject: Hi\r\n\r\nYo"

func (s *mockIMAPServer) handleConnection(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	writer.WriteString("* OK IMAP4rev1 Mock Server Ready\r\n")
	writer.Flush()

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}

		line = strings.TrimSpace(line)
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}

		tag := parts[0]
		command := strings.ToUpper(parts[1])

		switch command {
		case "LOGIN":
			atomic.AddInt32(&s.authAttempts, 1)
			if s.failAuth {
				writer.WriteString(fmt.Sprintf("%s NO LOGIN failed\r\n", tag))
			} else if len(parts) >= 4 &&
				strings.Trim(parts[2], `"`) == s.validUser &&
				strings.Trim(parts[3], `"`) == s.validPass {
				writer.WriteString(fmt.Sprintf("%s OK LOGIN completed\r\n", tag))
			} else {
				writer.WriteString(fmt.Sprintf("%s NO [AUTHENTICATIONFAILED] Authentication failed\r\n", tag))
			}

		case "AUTHENTICATE":
			atomic.AddInt32(&s.authAttempts, 1)
			if s.failAuth {
				writer.WriteString(fmt.Sprintf("%s NO AUTHENTICATE failed\r\n", tag))
			} else {
				writer.WriteString(fmt.Sprintf("%s OK AUTHENTICATE completed\r\n", tag))
			}

		case "LIST":
			writer.WriteString("* LIST (\\HasNoChildren) \"/\" \"INBOX\"\r\n")
			writer.WriteString("* LIST () \"/\" {13}\r\nFunky Mailbox\r\n")
			writer.WriteString(fmt.Sprintf("%s OK LIST completed\r\n", tag))

		case "SELECT", "EXAMINE":
			writer.WriteString("* 3 EXISTS\r\n")
			writer.WriteString("* 0 RECENT\r\n")
			writer.WriteString(fmt.Sprintf("%s OK [READ-WRITE] %s completed\r\n", tag, command))

		case "UID":
			sub := strings.ToUpper(parts[2])
			switch {
			case sub == "SEARCH":
				writer.WriteString("* SEARCH 7\r\n")
			case sub == "FETCH" && strings.Contains(strings.ToUpper(line), "BODY.PEEK"):
				writer.WriteString(fmt.Sprintf("* 1 FETCH (UID 7 BODY[] {%d}\r\n%s)\r\n", len(mockBody), mockBody))
			case sub == "FETCH":
				writer.WriteString(mockOverviewLine)
			}
			writer.WriteString(fmt.Sprintf("%s OK UID completed\r\n", tag))

		case "LOGOUT":
			writer.WriteString("* BYE IMAP4rev1 Server logging out\r\n")
			writer.WriteString(fmt.Sprintf("%s OK LOGOUT completed\r\n", tag))
			return

		default:
			writer.WriteString(fmt.Sprintf("%s OK %s completed\r\n", tag, command))
		}

		writer.Flush()
	}
}

func (s *mockIMAPServer) GetAuthAttempts() int {
	return int(atomic.LoadInt32(&s.authAttempts))
}

func (s *mockIMAPServer) ResetAuthAttempts() {
	atomic.StoreInt32(&s.authAttempts, 0)
}

func (s *mockIMAPServer) Close() {
	s.listener.Close()
}

func (s *mockIMAPServer) GetHost() string {
	host, _, _ := net.SplitHostPort(s.address)
	return host
}

func (s *mockIMAPServer) GetPort() int {
	_, portStr, _ := net.SplitHostPort(s.address)
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return port
}

// generateSelfSignedCertificate generates a self-signed certificate for testing
func generateSelfSignedCertificate() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"Test Co"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1)},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})

	return tls.X509KeyPair(certPEM, keyPEM)
}

// configureForMock sets the package globals for mock testing and returns
// a restore function.
func configureForMock(t *testing.T) {
	t.Helper()
	originalVerbose := Verbose
	originalRetryCount := RetryCount
	originalTLSSkipVerify := TLSSkipVerify
	Verbose = false
	RetryCount = 1
	TLSSkipVerify = true
	t.Cleanup(func() {
		Verbose = originalVerbose
		RetryCount = originalRetryCount
		TLSSkipVerify = originalTLSSkipVerify
	})
}

func TestAuthenticationNoRecursion(t *testing.T) {
	configureForMock(t)
	RetryCount = 3 // auth must not use it

	server, err := newMockIMAPServer("testuser", "testpass")
	if err != nil {
		t.Fatalf("Failed to create mock server: %v", err)
	}
	defer server.Close()

	t.Run("SuccessfulAuth", func(t *testing.T) {
		server.ResetAuthAttempts()

		d, err := New("testuser", "testpass", server.GetHost(), server.GetPort())
		if err != nil {
			t.Errorf("Expected successful connection, got error: %v", err)
		}
		if d != nil {
			d.Close()
		}

		if attempts := server.GetAuthAttempts(); attempts != 1 {
			t.Errorf("Expected 1 auth attempt, got %d", attempts)
		}
	})

	t.Run("FailedAuthNoRetry", func(t *testing.T) {
		server.ResetAuthAttempts()

		done := make(chan bool, 1)
		var connErr error

		go func() {
			_, connErr = New("testuser", "wrongpass", server.GetHost(), server.GetPort())
			done <- true
		}()

		select {
		case <-done:
			if connErr == nil {
				t.Error("Expected authentication error, got nil")
			}
		case <-time.After(2 * time.Second):
			t.Error("Authentication appears to be stuck in recursion")
		}

		if attempts := server.GetAuthAttempts(); attempts != 1 {
			t.Errorf("Expected 1 auth attempt (no retry), got %d", attempts)
		}
	})

	t.Run("XOAuth2NoRetry", func(t *testing.T) {
		server.ResetAuthAttempts()
		server.failAuth = true
		defer func() { server.failAuth = false }()

		done := make(chan bool, 1)
		var connErr error

		go func() {
			_, connErr = NewWithOAuth2("testuser", "token", server.GetHost(), server.GetPort())
			done <- true
		}()

		select {
		case <-done:
			if connErr == nil {
				t.Error("Expected authentication error, got nil")
			}
		case <-time.After(2 * time.Second):
			t.Error("XOAUTH2 authentication appears to be stuck in recursion")
		}

		if attempts := server.GetAuthAttempts(); attempts != 1 {
			t.Errorf("Expected 1 XOAUTH2 auth attempt (no retry), got %d", attempts)
		}
	})
}

func TestGetFolders(t *testing.T) {
	configureForMock(t)

	server, err := newMockIMAPServer("u", "p")
	if err != nil {
		t.Fatalf("Failed to create mock server: %v", err)
	}
	defer server.Close()

	d, err := New("u", "p", server.GetHost(), server.GetPort())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	folders, err := d.GetFolders()
	if err != nil {
		t.Fatalf("GetFolders: %v", err)
	}
	want := []string{"INBOX", "Funky Mailbox"}
	if len(folders) != len(want) {
		t.Fatalf("folders = %v, want %v", folders, want)
	}
	for i := range want {
		if folders[i] != want[i] {
			t.Errorf("folders = %v, want %v", folders, want)
		}
	}
}

func TestSelectAndCount(t *testing.T) {
	configureForMock(t)

	server, err := newMockIMAPServer("u", "p")
	if err != nil {
		t.Fatalf("Failed to create mock server: %v", err)
	}
	defer server.Close()

	d, err := New("u", "p", server.GetHost(), server.GetPort())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	if err := d.SelectFolder("INBOX"); err != nil {
		t.Fatalf("SelectFolder: %v", err)
	}
	if d.Folder != "INBOX" || d.ReadOnly {
		t.Errorf("folder state = %q read-only %v", d.Folder, d.ReadOnly)
	}

	count, err := d.GetTotalEmailCount()
	if err != nil {
		t.Fatalf("GetTotalEmailCount: %v", err)
	}
	// 3 EXISTS per folder, 2 folders
	if count != 6 {
		t.Errorf("count = %d, want 6", count)
	}
}

func TestGetUIDs(t *testing.T) {
	configureForMock(t)

	server, err := newMockIMAPServer("u", "p")
	if err != nil {
		t.Fatalf("Failed to create mock server: %v", err)
	}
	defer server.Close()

	d, err := New("u", "p", server.GetHost(), server.GetPort())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	uids, err := d.GetUIDs("ALL")
	if err != nil {
		t.Fatalf("GetUIDs: %v", err)
	}
	if len(uids) != 1 || uids[0] != 7 {
		t.Errorf("uids = %v, want [7]", uids)
	}
}

func TestGetEmails(t *testing.T) {
	configureForMock(t)

	server, err := newMockIMAPServer("u", "p")
	if err != nil {
		t.Fatalf("Failed to create mock server: %v", err)
	}
	defer server.Close()

	d, err := New("u", "p", server.GetHost(), server.GetPort())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	if err := d.SelectFolder("INBOX"); err != nil {
		t.Fatalf("SelectFolder: %v", err)
	}

	emails, err := d.GetEmails(7)
	if err != nil {
		t.Fatalf("GetEmails: %v", err)
	}
	e := emails[7]
	if e == nil {
		t.Fatalf("emails = %v, want UID 7 present", emails)
	}
	if e.Subject != "Hi" {
		t.Errorf("subject = %q, want %q", e.Subject, "Hi")
	}
	if strings.TrimSpace(e.Text) != "Yo" {
		t.Errorf("text = %q, want %q", e.Text, "Yo")
	}
	if e.Size != 17 {
		t.Errorf("size = %d, want 17", e.Size)
	}
	if len(e.Flags) != 1 || e.Flags[0] != `\Seen` {
		t.Errorf("flags = %v, want [\\Seen]", e.Flags)
	}
	if _, ok := e.From["ann@example.com"]; !ok {
		t.Errorf("from = %v, want ann@example.com", e.From)
	}
	if e.Received.IsZero() || e.Sent.IsZero() {
		t.Errorf("dates not parsed: received %v sent %v", e.Received, e.Sent)
	}
}

func TestConnectionRetry(t *testing.T) {
	configureForMock(t)
	RetryCount = 2

	originalDialTimeout := DialTimeout
	DialTimeout = 1 * time.Second
	defer func() { DialTimeout = originalDialTimeout }()

	start := time.Now()
	_, err := New("user", "pass", "127.0.0.1", 59999)
	elapsed := time.Since(start)

	if err == nil {
		t.Error("Expected connection error, got nil")
	}
	if elapsed < 100*time.Millisecond {
		t.Error("Connection failed too quickly, retries may not be working")
	}
	if elapsed > 30*time.Second {
		t.Error("Connection took too long, possible infinite loop")
	}
}

func TestReconnectWithBadCredentials(t *testing.T) {
	configureForMock(t)

	server, err := newMockIMAPServer("testuser", "testpass")
	if err != nil {
		t.Fatalf("Failed to create mock server: %v", err)
	}
	defer server.Close()

	d, err := New("testuser", "testpass", server.GetHost(), server.GetPort())
	if err != nil {
		t.Fatalf("Failed to create initial connection: %v", err)
	}
	defer d.Close()

	d.Password = "wrongpass"
	server.ResetAuthAttempts()

	if err = d.Reconnect(); err == nil {
		t.Error("Expected reconnect to fail with bad credentials")
	}
	if attempts := server.GetAuthAttempts(); attempts != 1 {
		t.Errorf("Expected 1 auth attempt on reconnect, got %d", attempts)
	}
	if d.Connected {
		t.Error("Connection should be closed after failed reconnect")
	}
}
