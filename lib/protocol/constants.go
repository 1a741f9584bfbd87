// Package protocol defines the SSH connection-protocol names and payloads the
// proxy speaks on both of its faces, and the downstream login grammar that
// selects the target VM. See RFC 4254 for the request and channel semantics.
package protocol

// SessionChannel is the only channel type the proxy accepts downstream and the
// only one it opens upstream. Per RFC 4254 section 6.1.
const SessionChannel = "session"

// Channel request types per RFC 4254 sections 6.2-6.10.
const (
	RequestPTY          = "pty-req"
	RequestWindowChange = "window-change"
	RequestShell        = "shell"
	RequestExec         = "exec"
	RequestSubsystem    = "subsystem"
	RequestExitStatus   = "exit-status"
	RequestExitSignal   = "exit-signal"
	RequestEnv          = "env"
)

// KeepaliveRequest is the OpenSSH global request used to probe liveness of the
// downstream transport.
const KeepaliveRequest = "keepalive@openssh.com"

// SubsystemSFTP is the subsystem name file-transfer clients request.
const SubsystemSFTP = "sftp"

// Pump buffer sizes. Shell mode reads in small chunks so the command extractor
// observes input at keystroke granularity; file transfer favors throughput.
const (
	FileTransferBufferSize = 32768
	ShellBufferSize        = 1024
)

// CtrlC is the interrupt byte. In shell mode it clears the command extractor
// accumulator while still being forwarded upstream.
const CtrlC = 0x03

// PTY defaults applied when a shell is requested without a preceding pty-req.
const (
	DefaultTerm       = "xterm"
	DefaultTermWidth  = 80
	DefaultTermHeight = 24
)

// DefaultTargetPort is the SSH port dialed on target VMs.
const DefaultTargetPort = 22
