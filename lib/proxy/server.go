package proxy

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/volumcloud/sshgate/lib/audit"
	"github.com/volumcloud/sshgate/lib/directory"
	"github.com/volumcloud/sshgate/lib/protocol"
	"github.com/volumcloud/sshgate/lib/session"
)

// queryTimeout bounds individual database operations: directory lookups
// during authentication and audit inserts during a session.
const queryTimeout = 10 * time.Second

// Server is the SSH gateway server. It accepts downstream connections,
// authenticates them against the VM directory and hands each one to a
// supervisor that bridges it to the target VM.
type Server struct {
	config   *Config
	registry session.Registry
	resolver directory.Resolver
	sink     audit.Sink

	sshConfig *ssh.ServerConfig
	clock     clockwork.Clock
	log       *logrus.Entry

	// pending carries the login outcome from the password callback to the
	// connection's supervisor, keyed by remote address. The callback and the
	// supervisor serve the same connection, so the key cannot collide.
	pending sync.Map

	mu       sync.Mutex
	listener net.Listener
	closed   atomic.Bool
	wg       sync.WaitGroup

	// done is closed when the server shuts down.
	done chan struct{}
}

// NewServer creates a new gateway server with the given configuration.
// The registry bounds and tracks live connections; hostKey is the identity
// presented to downstream clients.
func NewServer(
	config *Config,
	registry session.Registry,
	resolver directory.Resolver,
	sink audit.Sink,
	hostKey ssh.Signer,
) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if registry == nil {
		return nil, trace.BadParameter("registry is required")
	}
	if resolver == nil {
		return nil, trace.BadParameter("resolver is required")
	}
	if sink == nil {
		return nil, trace.BadParameter("audit sink is required")
	}
	if hostKey == nil {
		return nil, trace.BadParameter("host key is required")
	}

	s := &Server{
		config:   config,
		registry: registry,
		resolver: resolver,
		sink:     sink,
		clock:    clockwork.NewRealClock(),
		log:      logrus.WithField("component", "sshgate"),
		done:     make(chan struct{}),
	}
	s.sshConfig = &ssh.ServerConfig{
		PasswordCallback: s.passwordCallback,
	}
	s.sshConfig.AddHostKey(hostKey)
	return s, nil
}

// Config returns the server configuration.
func (s *Server) Config() *Config {
	return s.config
}

// Registry returns the session registry.
func (s *Server) Registry() session.Registry {
	return s.registry
}

// ListenAndServe starts listening on the configured address and serves
// clients. This method blocks until the server is closed.
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.config.Addr())
	if err != nil {
		return trace.Wrap(err)
	}
	return s.Serve(listener)
}

// Serve accepts connections on the listener and handles them.
// This method blocks until the server is closed.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil // Server was closed
			}
			// Check if it's a temporary error
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return trace.Wrap(err)
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// handleConnection registers a supervisor for the connection and runs it to
// completion. Connections over the registry limit are dropped before the SSH
// handshake even starts.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()

	if s.closed.Load() {
		conn.Close()
		return
	}

	sup := newSupervisor(s, conn)
	if err := s.registry.Register(sup); err != nil {
		s.log.WithError(err).WithField("remote", conn.RemoteAddr().String()).
			Warn("Dropping connection")
		conn.Close()
		return
	}
	defer func() {
		_ = s.registry.Unregister(sup.ID())
	}()

	sup.run()
}

// passwordCallback authenticates a downstream login. The username selects the
// target VM; the password is only recorded for the upstream connection, never
// checked here. The target VM stays the single authority on credentials, so a
// bad password surfaces as an upstream authentication failure.
func (s *Server) passwordCallback(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	login, err := protocol.ParseLogin(conn.User())
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"remote": conn.RemoteAddr().String(),
			"user":   conn.User(),
		}).Debug("Rejecting malformed login")
		return nil, trace.AccessDenied("access denied")
	}

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()
	targetIP, err := s.resolver.Resolve(ctx, login.VMID)
	if err != nil {
		log := s.log.WithFields(logrus.Fields{
			"remote": conn.RemoteAddr().String(),
			"vm":     login.VMID,
		})
		if trace.IsNotFound(err) {
			log.Debug("Rejecting login for unknown vm")
		} else {
			log.WithError(err).Warn("Directory lookup failed, rejecting login")
		}
		return nil, trace.AccessDenied("access denied")
	}

	req := session.NewRequest()
	_ = req.SetIdentity(session.Identity{
		VMID:     login.VMID,
		Username: login.Username,
		Password: append([]byte(nil), password...),
		TargetIP: targetIP,
	})
	s.pending.Store(conn.RemoteAddr().String(), req)
	return nil, nil
}

// Close gracefully shuts down the server: the listener stops accepting, live
// sessions are torn down through the registry and their supervisors joined.
func (s *Server) Close() error {
	if s.closed.Swap(true) {
		return nil // Already closed
	}

	close(s.done)

	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}

	err := s.registry.Close()
	s.wg.Wait()
	return trace.Wrap(err)
}

// ConnectionCount returns the number of live downstream connections.
func (s *Server) ConnectionCount() int {
	return s.registry.Count()
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Done returns a channel that is closed when the server shuts down.
func (s *Server) Done() <-chan struct{} {
	return s.done
}
