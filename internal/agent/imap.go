package agent

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/onebox-labs/onebox/internal/credential"
	"github.com/onebox-labs/onebox/internal/models"
)

const imapsPort = "993"

// IMAPDialer opens IMAPS sessions authenticated with XOAUTH2.
type IMAPDialer struct {
	// HostOverride routes every connection to a fixed host:port instead
	// of deriving the host from the account domain. Test hook.
	HostOverride string
	InsecureTLS  bool
}

func (d *IMAPDialer) Dial(ctx context.Context, email, accessToken string) (Session, error) {
	addr := d.HostOverride
	if addr == "" {
		_, domain, ok := strings.Cut(email, "@")
		if !ok {
			return nil, fmt.Errorf("malformed account address %q", email)
		}
		addr = net.JoinHostPort("imap."+domain, imapsPort)
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid IMAP address %q: %w", addr, err)
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	tlsConn := tls.Client(conn, &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: d.InsecureTLS,
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("TLS handshake with %s: %w", addr, err)
	}

	sess := &imapSession{
		conn:   tlsConn,
		events: make(chan Event, 16),
	}

	sess.client = imapclient.New(tlsConn, &imapclient.Options{
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages != nil {
					n := *data.NumMessages
					sess.push(Event{Exists: &n})
				}
			},
		},
	})

	if err := sess.client.WaitGreeting(); err != nil {
		sess.client.Close()
		return nil, fmt.Errorf("waiting for IMAP greeting: %w", err)
	}

	if err := sess.client.Authenticate(newXoauth2Client(email, accessToken)); err != nil {
		_ = sess.client.Logout().Wait()
		return nil, fmt.Errorf("XOAUTH2 rejected for %s: %w", email, credential.ErrNotAuthorized)
	}

	return sess, nil
}

// imapSession adapts a go-imap v2 client to the Session interface. Command
// deadlines are enforced through the connection because individual IMAP
// commands are not context-aware.
type imapSession struct {
	client *imapclient.Client
	conn   net.Conn
	events chan Event
}

func (s *imapSession) push(ev Event) {
	select {
	case s.events <- ev:
	default:
	}
}

func (s *imapSession) deadline(ctx context.Context) func() {
	if dl, ok := ctx.Deadline(); ok {
		_ = s.conn.SetDeadline(dl)
		return func() { _ = s.conn.SetDeadline(time.Time{}) }
	}
	return func() {}
}

func (s *imapSession) Select(ctx context.Context, mailbox string) (uint32, error) {
	defer s.deadline(ctx)()

	data, err := s.client.Select(mailbox, nil).Wait()
	if err != nil {
		return 0, fmt.Errorf("selecting %s: %w", mailbox, err)
	}
	return data.NumMessages, nil
}

func (s *imapSession) SearchSince(ctx context.Context, since time.Time) ([]uint64, error) {
	defer s.deadline(ctx)()

	data, err := s.client.UIDSearch(&imap.SearchCriteria{Since: since}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("searching since %s: %w", since.Format(time.RFC3339), err)
	}

	var uids []uint64
	for _, uid := range data.AllUIDs() {
		uids = append(uids, uint64(uid))
	}
	return uids, nil
}

func (s *imapSession) FetchUID(ctx context.Context, uid uint64) (*models.RawMessage, error) {
	return s.fetch(ctx, imap.UIDSetNum(imap.UID(uid)))
}

func (s *imapSession) FetchSeq(ctx context.Context, seq uint32) (*models.RawMessage, error) {
	return s.fetch(ctx, imap.SeqSetNum(seq))
}

func (s *imapSession) fetch(ctx context.Context, set imap.NumSet) (*models.RawMessage, error) {
	defer s.deadline(ctx)()

	bodySection := &imap.FetchItemBodySection{Peek: true}
	cmd := s.client.Fetch(set, &imap.FetchOptions{
		Envelope:     true,
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{bodySection},
	})
	defer cmd.Close()

	msg := cmd.Next()
	if msg == nil {
		return nil, fmt.Errorf("message %v not found", set)
	}

	buf, err := msg.Collect()
	if err != nil {
		return nil, fmt.Errorf("collecting message data: %w", err)
	}
	if err := cmd.Close(); err != nil {
		return nil, fmt.Errorf("closing fetch: %w", err)
	}

	raw := &models.RawMessage{
		UID:          uint64(buf.UID),
		InternalDate: buf.InternalDate,
		Source:       buf.FindBodySection(bodySection),
	}

	if buf.Envelope != nil {
		raw.Envelope.Subject = buf.Envelope.Subject
		raw.Envelope.Date = buf.Envelope.Date
		if len(buf.Envelope.From) > 0 {
			raw.Envelope.From = formatAddress(buf.Envelope.From[0])
		}
		for _, to := range buf.Envelope.To {
			raw.Envelope.To = append(raw.Envelope.To, to.Addr())
		}
	}
	if raw.Envelope.Date.IsZero() {
		raw.Envelope.Date = buf.InternalDate
	}
	return raw, nil
}

func formatAddress(addr imap.Address) string {
	if addr.Name != "" {
		return fmt.Sprintf("%s <%s>", addr.Name, addr.Addr())
	}
	return addr.Addr()
}

func (s *imapSession) IdleStart() (func() error, error) {
	cmd, err := s.client.Idle()
	if err != nil {
		return nil, fmt.Errorf("entering IDLE: %w", err)
	}

	stopped := make(chan struct{})
	go func() {
		err := cmd.Wait()
		select {
		case <-stopped:
			return
		default:
		}
		if err == nil {
			err = fmt.Errorf("IDLE ended unexpectedly")
		}
		s.push(Event{Err: err})
	}()

	return func() error {
		close(stopped)
		return cmd.Close()
	}, nil
}

func (s *imapSession) Events() <-chan Event {
	return s.events
}

func (s *imapSession) Logout(ctx context.Context) error {
	defer s.deadline(ctx)()
	defer s.client.Close()
	return s.client.Logout().Wait()
}
