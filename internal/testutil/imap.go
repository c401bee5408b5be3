package testutil

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"

	"github.com/nhle/mailsync/internal/model"
)

const (
	IMAPUsername = "user@example.com"
	IMAPPassword = "correct-password"
)

// IMAPServer is an in-process IMAP server backed by memory, with an admin
// connection for arranging mailbox state.
type IMAPServer struct {
	Host  string
	Port  int
	admin *imapclient.Client
}

// NewIMAPServer starts a plaintext IMAP4rev1 server with one user and an
// empty INBOX. Everything is torn down when the test completes.
func NewIMAPServer(t *testing.T) *IMAPServer {
	t.Helper()

	memServer := imapmemserver.New()
	user := imapmemserver.NewUser(IMAPUsername, IMAPPassword)
	if err := user.Create("INBOX", nil); err != nil {
		t.Fatalf("creating INBOX: %v", err)
	}
	memServer.AddUser(user)

	srv := imapserver.New(&imapserver.Options{
		NewSession: func(*imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return memServer.NewSession(), nil, nil
		},
		Caps:         imap.CapSet{imap.CapIMAP4rev1: {}},
		InsecureAuth: true,
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dialing admin connection: %v", err)
	}
	admin := imapclient.New(conn, nil)
	if err := admin.Login(IMAPUsername, IMAPPassword).Wait(); err != nil {
		t.Fatalf("admin login: %v", err)
	}
	t.Cleanup(func() { admin.Close() })

	return &IMAPServer{Host: host, Port: port, admin: admin}
}

// Account returns an account pointing at the server. Its password field is
// left empty; callers pass credentials directly.
func (s *IMAPServer) Account(id string) model.Account {
	return model.Account{
		ID:       id,
		AuthType: model.AuthPassword,
		IMAP: model.IMAPConfig{
			Host:     s.Host,
			Port:     s.Port,
			Username: IMAPUsername,
		},
	}
}

// CreateFolder creates a mailbox.
func (s *IMAPServer) CreateFolder(t *testing.T, name string) {
	t.Helper()
	if err := s.admin.Create(name, nil).Wait(); err != nil {
		t.Fatalf("creating %s: %v", name, err)
	}
}

// RecreateFolder deletes and recreates a mailbox, which assigns it a new
// UIDVALIDITY and restarts its UIDs.
func (s *IMAPServer) RecreateFolder(t *testing.T, name string) {
	t.Helper()
	s.selectFolder(t, "INBOX")
	if err := s.admin.Delete(name).Wait(); err != nil {
		t.Fatalf("deleting %s: %v", name, err)
	}
	s.CreateFolder(t, name)
}

// Append adds a raw message to folder.
func (s *IMAPServer) Append(t *testing.T, folder string, raw []byte) {
	t.Helper()
	cmd := s.admin.Append(folder, int64(len(raw)), nil)
	if _, err := cmd.Write(raw); err != nil {
		t.Fatalf("appending to %s: %v", folder, err)
	}
	if err := cmd.Close(); err != nil {
		t.Fatalf("appending to %s: %v", folder, err)
	}
	if _, err := cmd.Wait(); err != nil {
		t.Fatalf("appending to %s: %v", folder, err)
	}
}

// AppendN adds n generated messages to folder. Message i (1-based, counting
// from first) gets Message-Id <prefix-i@test>.
func (s *IMAPServer) AppendN(t *testing.T, folder, prefix string, first, n int) {
	t.Helper()
	for i := first; i < first+n; i++ {
		s.Append(t, folder, Message(fmt.Sprintf("%s-%d@test", prefix, i), fmt.Sprintf("%s %d", prefix, i)))
	}
}

// AddFlags sets flags on a message by UID.
func (s *IMAPServer) AddFlags(t *testing.T, folder string, uid uint32, flags ...imap.Flag) {
	t.Helper()
	s.selectFolder(t, folder)
	err := s.admin.Store(imap.UIDSetNum(imap.UID(uid)), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  flags,
	}, nil).Close()
	if err != nil {
		t.Fatalf("storing flags on %s/%d: %v", folder, uid, err)
	}
}

// Expunge permanently removes a message by UID.
func (s *IMAPServer) Expunge(t *testing.T, folder string, uid uint32) {
	t.Helper()
	s.AddFlags(t, folder, uid, imap.FlagDeleted)
	if err := s.admin.Expunge().Close(); err != nil {
		t.Fatalf("expunging %s: %v", folder, err)
	}
}

// Move copies a message to another folder and expunges the original.
func (s *IMAPServer) Move(t *testing.T, from string, uid uint32, to string) {
	t.Helper()
	s.selectFolder(t, from)
	if _, err := s.admin.Copy(imap.UIDSetNum(imap.UID(uid)), to).Wait(); err != nil {
		t.Fatalf("copying %s/%d to %s: %v", from, uid, to, err)
	}
	s.Expunge(t, from, uid)
}

func (s *IMAPServer) selectFolder(t *testing.T, folder string) {
	t.Helper()
	if _, err := s.admin.Select(folder, nil).Wait(); err != nil {
		t.Fatalf("selecting %s: %v", folder, err)
	}
}

// Message builds a small RFC 5322 message.
func Message(messageID, subject string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "Message-Id: <%s>\r\n", messageID)
	b.WriteString("From: Sender <sender@example.com>\r\n")
	b.WriteString("To: user@example.com\r\n")
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC).Format(time.RFC1123Z))
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	fmt.Fprintf(&b, "Body of %s.\r\n", subject)
	return []byte(b.String())
}
