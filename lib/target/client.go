// Package target opens the upstream leg of a proxied session: an SSH client
// connection to the tenant VM selected during downstream authentication,
// authenticated with the password harvested there.
//
// Target VM host keys are not centrally enrolled, so the connector accepts
// any host key by default. This is a known limitation of the gateway's trust
// model: a machine-in-the-middle between the gateway and a VM would not be
// detected. Deployments that maintain their own key store can pin keys
// through Config.HostKeyCallback.
package target

import (
	"net"
	"time"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"

	"github.com/volumcloud/sshgate/lib/protocol"
)

// Upstream connect timeouts per session mode. Interactive logins tolerate a
// slowly waking VM; file transfers fail fast so scripted clients are not left
// hanging.
const (
	DefaultShellTimeout        = 30 * time.Second
	DefaultFileTransferTimeout = 10 * time.Second
)

// Config selects and authenticates the target VM for one session.
type Config struct {
	// Addr is the target address as host:port.
	Addr string

	// Username is the account on the target VM.
	Username string

	// Password authenticates Username on the target. The target is the only
	// party that ever verifies it.
	Password string

	// Timeout bounds the TCP connect and the SSH handshake. Zero or less
	// falls back to DefaultShellTimeout.
	Timeout time.Duration

	// HostKeyCallback overrides the host-key policy. Nil accepts any key.
	HostKeyCallback ssh.HostKeyCallback
}

// Client is an authenticated SSH connection to a target VM.
type Client struct {
	conn *ssh.Client
}

// Dial connects to the target and authenticates. The configured timeout
// covers the TCP connect and, via a read deadline, the SSH handshake; a
// target that accepts the TCP connection and then stalls cannot hold the
// session hostage.
func Dial(config Config) (*Client, error) {
	if config.Addr == "" {
		return nil, trace.BadParameter("target address is required")
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultShellTimeout
	}
	hostKey := config.HostKeyCallback
	if hostKey == nil {
		hostKey = ssh.InsecureIgnoreHostKey()
	}

	conn, err := net.DialTimeout("tcp", config.Addr, timeout)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "cannot reach %v", config.Addr)
	}

	clientConfig := &ssh.ClientConfig{
		User:            config.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(config.Password)},
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		_ = conn.Close()
		return nil, trace.Wrap(err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, config.Addr, clientConfig)
	if err != nil {
		_ = conn.Close()
		return nil, trace.ConnectionProblem(err, "ssh negotiation with %v failed", config.Addr)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		_ = c.Close()
		return nil, trace.Wrap(err)
	}

	return &Client{conn: ssh.NewClient(c, chans, reqs)}, nil
}

// OpenSession opens a raw session channel on the target. The raw channel
// keeps the request stream and the stderr stream visible, which the
// convenience ssh.Session API hides; the gateway relays both downstream.
func (c *Client) OpenSession() (*Session, error) {
	ch, reqs, err := c.conn.OpenChannel(protocol.SessionChannel, nil)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "cannot open a session on the target")
	}
	s := &Session{
		ch:   ch,
		exit: make(chan uint32, 1),
	}
	go s.consumeRequests(reqs)
	return s, nil
}

// Close closes the connection to the target and every channel on it.
func (c *Client) Close() error {
	return trace.Wrap(c.conn.Close())
}
