package proxy

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/volumcloud/sshgate/lib/audit"
	"github.com/volumcloud/sshgate/lib/protocol"
	"github.com/volumcloud/sshgate/lib/session"
	"github.com/volumcloud/sshgate/lib/target"
)

// dialFailureNotice is written to the client's stderr when the target VM
// cannot be reached or refuses the session.
const dialFailureNotice = "sshgate: failed to connect to the target vm\r\n"

// supervisor owns one downstream connection for its whole life: handshake,
// session setup, upstream dial, bridging and teardown.
type supervisor struct {
	id     string
	server *Server
	tcp    net.Conn
	log    *logrus.Entry

	mu       sync.Mutex
	sshConn  *ssh.ServerConn
	client   *target.Client
	upstream *target.Session
	closed   bool

	// stop is closed on Close; every goroutine serving the connection
	// watches it.
	stop chan struct{}
}

func newSupervisor(server *Server, conn net.Conn) *supervisor {
	id := uuid.NewString()
	return &supervisor{
		id:     id,
		server: server,
		tcp:    conn,
		log: server.log.WithFields(logrus.Fields{
			"session": id,
			"remote":  conn.RemoteAddr().String(),
		}),
		stop: make(chan struct{}),
	}
}

// ID implements session.Session.
func (s *supervisor) ID() string {
	return s.id
}

// Close implements session.Session. It tears down both legs of the proxy;
// every goroutine serving the connection unwinds from that. Safe to call
// multiple times and from any goroutine.
func (s *supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stop)
	sshConn := s.sshConn
	client := s.client
	s.mu.Unlock()

	if client != nil {
		_ = client.Close()
	}
	if sshConn != nil {
		_ = sshConn.Close()
	}
	_ = s.tcp.Close()
	return nil
}

func (s *supervisor) setServerConn(conn *ssh.ServerConn) {
	s.mu.Lock()
	s.sshConn = conn
	s.mu.Unlock()
}

// setUpstream publishes the upstream leg so Close and the window-change relay
// can reach it. Returns false if the supervisor was closed in the meantime,
// in which case the caller must not use the client.
func (s *supervisor) setUpstream(client *target.Client, sess *target.Session) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = client.Close()
		return false
	}
	s.client = client
	s.upstream = sess
	s.mu.Unlock()
	return true
}

func (s *supervisor) upstreamSession() *target.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upstream
}

// run drives the connection through its life cycle. It blocks until the
// session ends, the client gives up or the server shuts down.
func (s *supervisor) run() {
	defer s.Close()

	// Bound the SSH handshake itself; the session-request timer below only
	// starts once authentication has finished.
	_ = s.tcp.SetDeadline(time.Now().Add(s.server.config.Timeouts.SessionRequest))
	sconn, chans, reqs, err := ssh.NewServerConn(s.tcp, s.server.sshConfig)
	if err != nil {
		// Covers rejected logins as well as transport negotiation failures.
		s.log.WithError(err).Debug("Downstream handshake failed")
		s.server.pending.Delete(s.tcp.RemoteAddr().String())
		return
	}
	_ = s.tcp.SetDeadline(time.Time{})
	s.setServerConn(sconn)

	value, ok := s.server.pending.LoadAndDelete(sconn.RemoteAddr().String())
	if !ok {
		s.log.Warn("No login record for authenticated connection")
		return
	}
	req := value.(*session.Request)
	identity, ok := req.Identity()
	if !ok {
		s.log.Warn("Login record carries no identity")
		return
	}
	log := s.log.WithFields(logrus.Fields{
		"vm":   identity.VMID,
		"user": identity.Username,
	})

	connClosed := make(chan struct{})
	go func() {
		_ = sconn.Wait()
		close(connClosed)
	}()

	go ssh.DiscardRequests(reqs)
	if interval := s.server.config.Timeouts.KeepaliveInterval; interval > 0 {
		go s.keepalive(sconn, interval)
	}

	accepted := make(chan ssh.Channel, 1)
	go s.serveChannels(chans, req, accepted)

	timer := s.server.clock.NewTimer(s.server.config.Timeouts.SessionRequest)
	defer timer.Stop()
	select {
	case <-req.Ready():
	case <-timer.Chan():
		log.Info("No session request within deadline, closing connection")
		return
	case <-connClosed:
		log.Debug("Connection closed before session request")
		return
	case <-s.stop:
		return
	case <-s.server.done:
		return
	}

	// The ready event only fires from the request handler of the accepted
	// channel, so the channel is already waiting here.
	ch := <-accepted
	mode := req.Mode()
	log = log.WithField("mode", mode.String())

	dialTimeout := s.server.config.Timeouts.ShellDial
	if mode != session.ModeShell {
		dialTimeout = s.server.config.Timeouts.FileTransferDial
	}
	client, err := target.Dial(target.Config{
		Addr:            net.JoinHostPort(identity.TargetIP, strconv.Itoa(s.server.config.TargetPort)),
		Username:        identity.Username,
		Password:        string(identity.Password),
		Timeout:         dialTimeout,
		HostKeyCallback: s.server.config.UpstreamHostKey,
	})
	if err != nil {
		log.WithError(err).Info("Upstream connection failed")
		s.failSession(log, ch, mode)
		return
	}

	sess, err := client.OpenSession()
	if err != nil {
		log.WithError(err).Info("Upstream session failed")
		_ = client.Close()
		s.failSession(log, ch, mode)
		return
	}
	if !s.setUpstream(client, sess) {
		return
	}

	if err := s.prepareUpstream(sess, req, mode); err != nil {
		log.WithError(err).Info("Upstream session setup failed")
		s.failSession(log, ch, mode)
		return
	}

	s.bridgeSession(log, ch, sess, identity, mode)
}

// prepareUpstream replays the downstream session setup on the target channel.
func (s *supervisor) prepareUpstream(sess *target.Session, req *session.Request, mode session.Mode) error {
	switch mode {
	case session.ModeShell:
		pty, ok := req.PTY()
		if !ok || pty.Term == "" {
			pty.Term = protocol.DefaultTerm
		}
		if !ok {
			pty.Columns = protocol.DefaultTermWidth
			pty.Rows = protocol.DefaultTermHeight
		}
		if err := sess.RequestPTY(pty.Term, pty.Columns, pty.Rows, pty.WidthPx, pty.HeightPx, pty.Modes); err != nil {
			return trace.Wrap(err)
		}
		return trace.Wrap(sess.Shell())
	case session.ModeExec:
		return trace.Wrap(sess.Exec(req.Command()))
	case session.ModeSubsystem:
		return trace.Wrap(sess.Subsystem(req.Subsystem()))
	}
	return trace.BadParameter("session has no mode")
}

// bridgeSession pumps bytes between the two channels, settles the exit status
// and tears the connection down. One session per connection; when the session
// is over, so is the connection.
func (s *supervisor) bridgeSession(log *logrus.Entry, ch ssh.Channel, sess *target.Session, identity session.Identity, mode session.Mode) {
	var observe func([]byte)
	var recorder *audit.Recorder
	if mode == session.ModeShell {
		recorder = audit.NewRecorder(s.server.config.SessionLogDir, identity.TargetIP,
			identity.Username, remoteHost(s.tcp.RemoteAddr()), s.server.clock)
		defer recorder.Close()
		// The session log exists from the moment the shell bridge starts,
		// banner included, whether or not a command line ever completes.
		if err := recorder.Start(); err != nil {
			log.WithError(err).Warn("Cannot open session log")
		}
		extractor := audit.NewExtractor(func(line string) {
			s.recordCommand(log, recorder, identity, line)
		})
		observe = extractor.Observe
	}

	log.Info("Session established")
	br := newBridge(ch, sess.Channel(), mode, observe)
	bridgeErr := br.Run()
	if bridgeErr != nil {
		log.WithError(bridgeErr).Info("Session transport failed")
	}

	if mode != session.ModeShell {
		s.sendExitStatus(log, ch, s.settleExitStatus(sess, mode, bridgeErr))
	}
	_ = ch.Close()
	_ = sess.Close()
	s.Close()

	if err := br.Join(); err != nil {
		log.WithError(err).Debug("Input pump finished with error")
	}
	log.Info("Session closed")
}

// settleExitStatus applies the exit policy: the target's own status when it
// reported one, 1 after a transport error or an exec that vanished without
// reporting, 0 for a subsystem that closed cleanly.
func (s *supervisor) settleExitStatus(sess *target.Session, mode session.Mode, bridgeErr error) uint32 {
	timer := s.server.clock.NewTimer(s.server.config.Timeouts.ExitStatus)
	defer timer.Stop()

	select {
	case status, ok := <-sess.ExitStatus():
		if ok {
			return status
		}
	case <-timer.Chan():
	case <-s.stop:
	}

	if bridgeErr != nil || mode == session.ModeExec {
		return 1
	}
	return 0
}

// sendExitStatus reports the session result downstream. Sent exactly once per
// session, before the channel closes.
func (s *supervisor) sendExitStatus(log *logrus.Entry, ch ssh.Channel, status uint32) {
	payload := protocol.Marshal(protocol.ExitStatus{Status: status})
	if _, err := ch.SendRequest(protocol.RequestExitStatus, false, payload); err != nil {
		log.WithError(err).Debug("Cannot deliver exit status")
	}
}

// failSession reports an upstream failure downstream and ends the session.
func (s *supervisor) failSession(log *logrus.Entry, ch ssh.Channel, mode session.Mode) {
	_, _ = io.WriteString(ch.Stderr(), dialFailureNotice)
	if mode != session.ModeShell {
		s.sendExitStatus(log, ch, 1)
	}
	_ = ch.Close()
}

// serveChannels accepts the first session channel and rejects everything
// else. The accepted channel is handed back through accepted; its requests
// are serviced until the channel closes.
func (s *supervisor) serveChannels(chans <-chan ssh.NewChannel, req *session.Request, accepted chan<- ssh.Channel) {
	taken := false
	for newCh := range chans {
		if newCh.ChannelType() != protocol.SessionChannel {
			_ = newCh.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		if taken {
			_ = newCh.Reject(ssh.ResourceShortage, "only one session per connection")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			s.log.WithError(err).Warn("Cannot accept session channel")
			continue
		}
		taken = true
		accepted <- ch
		go s.serveRequests(chReqs, req)
	}
}

// serveRequests handles session-channel requests for the channel's whole
// life. The first shell, exec or subsystem request arms the session; a
// window-change is recorded and relayed upstream live once the bridge is up.
func (s *supervisor) serveRequests(reqs <-chan *ssh.Request, req *session.Request) {
	for r := range reqs {
		switch r.Type {
		case protocol.RequestPTY:
			pty, err := protocol.ParsePTYRequest(r.Payload)
			if err == nil {
				req.SetPTY(session.PTY{
					Term:     pty.Term,
					Columns:  pty.Columns,
					Rows:     pty.Rows,
					WidthPx:  pty.WidthPx,
					HeightPx: pty.HeightPx,
					Modes:    pty.Modes,
				})
			}
			replyRequest(r, err == nil)
		case protocol.RequestWindowChange:
			wc, err := protocol.ParseWindowChange(r.Payload)
			if err == nil {
				req.Resize(wc.Columns, wc.Rows)
				if up := s.upstreamSession(); up != nil {
					if werr := up.WindowChange(wc.Columns, wc.Rows, wc.WidthPx, wc.HeightPx); werr != nil {
						s.log.WithError(werr).Debug("Window change relay failed")
					}
				}
			}
			replyRequest(r, err == nil)
		case protocol.RequestShell:
			replyRequest(r, req.SetShell() == nil)
		case protocol.RequestExec:
			exec, err := protocol.ParseExecRequest(r.Payload)
			if err != nil {
				replyRequest(r, false)
				continue
			}
			replyRequest(r, req.SetExec([]byte(exec.Command)) == nil)
		case protocol.RequestSubsystem:
			sub, err := protocol.ParseSubsystemRequest(r.Payload)
			if err != nil {
				replyRequest(r, false)
				continue
			}
			replyRequest(r, req.SetSubsystem(sub.Name) == nil)
		default:
			replyRequest(r, false)
		}
	}
}

// keepalive probes the downstream transport at a fixed interval. The
// want-reply round trip fails once the peer is gone, and the connection is
// torn down.
func (s *supervisor) keepalive(conn *ssh.ServerConn, interval time.Duration) {
	ticker := s.server.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			if _, _, err := conn.SendRequest(protocol.KeepaliveRequest, true, nil); err != nil {
				s.log.WithError(err).Debug("Keepalive failed, closing connection")
				s.Close()
				return
			}
		case <-s.stop:
			return
		}
	}
}

// recordCommand persists one extracted command to the audit sink and the
// session log. The sink chunks oversize commands itself. Failures are logged
// and the session carries on.
func (s *supervisor) recordCommand(log *logrus.Entry, recorder *audit.Recorder, identity session.Identity, line string) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()
	if err := s.server.sink.Append(ctx, identity.VMID, identity.Username, line); err != nil {
		log.WithError(err).Warn("Audit insert failed")
	}
	if err := recorder.Command(line); err != nil {
		log.WithError(err).Warn("Session log write failed")
	}
}

// replyRequest acknowledges a channel request when the client asked for one.
func replyRequest(r *ssh.Request, ok bool) {
	if r.WantReply {
		_ = r.Reply(ok, nil)
	}
}

// remoteHost strips the port from a remote address for session log naming.
func remoteHost(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
