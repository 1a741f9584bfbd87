package target

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"
)

// stubVM is an in-process SSH server standing in for a target VM. It accepts
// one credential pair, records every session request and serves canned shell,
// exec and subsystem behavior.
type stubVM struct {
	listener net.Listener
	config   *ssh.ServerConfig

	mu         sync.Mutex
	requests   []stubRequest
	refuse     map[string]bool
	execOutput string
	execStatus uint32
	noStatus   bool
}

type stubRequest struct {
	Type    string
	Payload []byte
}

func newStubVM(t *testing.T, user, password string) *stubVM {
	t.Helper()

	config := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
			if conn.User() == user && string(pw) == password {
				return nil, nil
			}
			return nil, trace.AccessDenied("access denied")
		},
	}
	config.AddHostKey(stubSigner(t))

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() returned error: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	vm := &stubVM{
		listener:   listener,
		config:     config,
		refuse:     make(map[string]bool),
		execOutput: "ok\n",
	}
	go vm.serve()
	return vm
}

func (vm *stubVM) addr() string {
	return vm.listener.Addr().String()
}

func (vm *stubVM) setExecResult(output string, status uint32) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.execOutput = output
	vm.execStatus = status
}

// dropExitStatus makes the VM close session channels without reporting an
// exit status.
func (vm *stubVM) dropExitStatus() {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.noStatus = true
}

// refuseRequests makes the VM reply failure to the named request type.
func (vm *stubVM) refuseRequests(reqType string) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.refuse[reqType] = true
}

func (vm *stubVM) recorded() []stubRequest {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return append([]stubRequest(nil), vm.requests...)
}

func (vm *stubVM) waitForRequest(t *testing.T, reqType string, timeout time.Duration) stubRequest {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, r := range vm.recorded() {
			if r.Type == reqType {
				return r
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("vm never received a %q request", reqType)
	return stubRequest{}
}

func (vm *stubVM) serve() {
	for {
		conn, err := vm.listener.Accept()
		if err != nil {
			return
		}
		go vm.handle(conn)
	}
}

func (vm *stubVM) handle(conn net.Conn) {
	_, chans, reqs, err := ssh.NewServerConn(conn, vm.config)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)
	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			return
		}
		go vm.serveSession(ch, chReqs)
	}
}

func (vm *stubVM) serveSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	for req := range reqs {
		vm.mu.Lock()
		vm.requests = append(vm.requests, stubRequest{
			Type:    req.Type,
			Payload: append([]byte(nil), req.Payload...),
		})
		refused := vm.refuse[req.Type]
		output, status, noStatus := vm.execOutput, vm.execStatus, vm.noStatus
		vm.mu.Unlock()

		if refused {
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
			continue
		}

		switch req.Type {
		case "pty-req", "window-change":
			if req.WantReply {
				_ = req.Reply(true, nil)
			}
		case "shell":
			_ = req.Reply(true, nil)
			go vm.echo(ch)
		case "exec", "subsystem":
			_ = req.Reply(true, nil)
			go vm.finish(ch, output, status, noStatus)
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

// echo writes every input chunk straight back, shell style.
func (vm *stubVM) echo(ch ssh.Channel) {
	buf := make([]byte, 1024)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			if _, werr := ch.Write(buf[:n]); werr != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}
	_ = ch.Close()
}

// finish writes the output, reports the status and closes, exec style.
func (vm *stubVM) finish(ch ssh.Channel, output string, status uint32, noStatus bool) {
	_, _ = ch.Write([]byte(output))
	if !noStatus {
		_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
	}
	_ = ch.Close()
}

func stubSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() returned error: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("NewSignerFromKey() returned error: %v", err)
	}
	return signer
}

func TestDial(t *testing.T) {
	vm := newStubVM(t, "alice", "secret")

	t.Run("authenticates", func(t *testing.T) {
		client, err := Dial(Config{
			Addr:     vm.addr(),
			Username: "alice",
			Password: "secret",
			Timeout:  5 * time.Second,
		})
		if err != nil {
			t.Fatalf("Dial() returned error: %v", err)
		}
		if err := client.Close(); err != nil {
			t.Errorf("Close() returned error: %v", err)
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		if _, err := Dial(Config{
			Addr:     vm.addr(),
			Username: "alice",
			Password: "guess",
			Timeout:  5 * time.Second,
		}); err == nil {
			t.Error("Dial() with a bad password = nil error, want failure")
		}
	})

	t.Run("missing address", func(t *testing.T) {
		if _, err := Dial(Config{Username: "alice", Password: "secret"}); err == nil {
			t.Error("Dial() without an address = nil error, want failure")
		}
	})
}

func TestDial_Unreachable(t *testing.T) {
	// Grab a port nothing listens on anymore.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() returned error: %v", err)
	}
	addr := listener.Addr().String()
	_ = listener.Close()

	if _, err := Dial(Config{
		Addr:     addr,
		Username: "alice",
		Password: "secret",
		Timeout:  2 * time.Second,
	}); err == nil {
		t.Error("Dial() to a dead port = nil error, want failure")
	}
}

func TestDial_HostKeyCallback(t *testing.T) {
	vm := newStubVM(t, "alice", "secret")

	t.Run("rejecting callback aborts the handshake", func(t *testing.T) {
		if _, err := Dial(Config{
			Addr:     vm.addr(),
			Username: "alice",
			Password: "secret",
			Timeout:  5 * time.Second,
			HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
				return trace.AccessDenied("unknown host key")
			},
		}); err == nil {
			t.Error("Dial() with a rejecting host-key callback = nil error, want failure")
		}
	})

	t.Run("accepting callback sees the target key", func(t *testing.T) {
		var mu sync.Mutex
		var seen string
		client, err := Dial(Config{
			Addr:     vm.addr(),
			Username: "alice",
			Password: "secret",
			Timeout:  5 * time.Second,
			HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
				mu.Lock()
				seen = hostname
				mu.Unlock()
				return nil
			},
		})
		if err != nil {
			t.Fatalf("Dial() returned error: %v", err)
		}
		defer client.Close()

		mu.Lock()
		defer mu.Unlock()
		if seen != vm.addr() {
			t.Errorf("host-key callback saw %q, want %q", seen, vm.addr())
		}
	})
}
