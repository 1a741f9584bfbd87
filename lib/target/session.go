package target

import (
	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"

	"github.com/volumcloud/sshgate/lib/protocol"
)

// Session is one session channel on a target VM. Its methods replay the
// requests the downstream client made; the channel's own request stream is
// consumed in the background so the exit status is captured no matter when
// the target sends it.
type Session struct {
	ch   ssh.Channel
	exit chan uint32
}

// Channel exposes the raw channel for stream bridging.
func (s *Session) Channel() ssh.Channel {
	return s.ch
}

// RequestPTY asks the target to allocate a pseudo-terminal. The modes string
// is replayed verbatim; an empty string requests no modes, which targets
// treat like a client that sent none.
func (s *Session) RequestPTY(term string, columns, rows, widthPx, heightPx uint32, modes string) error {
	payload := protocol.Marshal(protocol.PTYRequest{
		Term:     term,
		Columns:  columns,
		Rows:     rows,
		WidthPx:  widthPx,
		HeightPx: heightPx,
		Modes:    modes,
	})
	return s.request(protocol.RequestPTY, payload)
}

// WindowChange reports a new terminal geometry. Like OpenSSH, it does not
// ask for a reply; a target that cannot resize simply ignores it.
func (s *Session) WindowChange(columns, rows, widthPx, heightPx uint32) error {
	payload := protocol.Marshal(protocol.WindowChange{
		Columns:  columns,
		Rows:     rows,
		WidthPx:  widthPx,
		HeightPx: heightPx,
	})
	_, err := s.ch.SendRequest(protocol.RequestWindowChange, false, payload)
	return trace.Wrap(err)
}

// Shell starts the login shell on the target.
func (s *Session) Shell() error {
	return s.request(protocol.RequestShell, nil)
}

// Exec runs a single command on the target. The command bytes are forwarded
// exactly as the downstream client sent them.
func (s *Session) Exec(command []byte) error {
	payload := protocol.Marshal(protocol.ExecRequest{Command: string(command)})
	return s.request(protocol.RequestExec, payload)
}

// Subsystem starts the named subsystem on the target.
func (s *Session) Subsystem(name string) error {
	payload := protocol.Marshal(protocol.SubsystemRequest{Name: name})
	return s.request(protocol.RequestSubsystem, payload)
}

// ExitStatus returns the channel the target's exit status is delivered on.
// It carries at most one status; it closes without a value when the target
// ends the session silently.
func (s *Session) ExitStatus() <-chan uint32 {
	return s.exit
}

// Close closes the session channel. The connection stays usable.
func (s *Session) Close() error {
	return trace.Wrap(s.ch.Close())
}

func (s *Session) request(name string, payload []byte) error {
	ok, err := s.ch.SendRequest(name, true, payload)
	if err != nil {
		return trace.Wrap(err)
	}
	if !ok {
		return trace.ConnectionProblem(nil, "target refused the %v request", name)
	}
	return nil
}

// consumeRequests drains the channel's request stream. The first exit-status
// is kept for ExitStatus; everything else is refused. The stream ends when
// the channel closes, and the exit channel closes with it so a waiter learns
// that no status is coming.
func (s *Session) consumeRequests(reqs <-chan *ssh.Request) {
	for r := range reqs {
		if r.Type == protocol.RequestExitStatus {
			if status, err := protocol.ParseExitStatus(r.Payload); err == nil {
				select {
				case s.exit <- status.Status:
				default:
				}
			}
		}
		if r.WantReply {
			_ = r.Reply(false, nil)
		}
	}
	close(s.exit)
}
