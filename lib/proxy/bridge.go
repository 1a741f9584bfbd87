package proxy

import (
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/volumcloud/sshgate/lib/protocol"
	"github.com/volumcloud/sshgate/lib/session"
)

// bridgeChannel is the subset of ssh.Channel the bridge needs from each leg.
type bridgeChannel interface {
	io.ReadWriter
	CloseWrite() error
	Stderr() io.ReadWriter
}

// bridge shuttles bytes between the downstream client channel and the
// upstream target channel. The target-to-client pumps are joined by Run; the
// client-to-target pump keeps running past that, because an interactive
// client holds its write side open for as long as it likes, and is only
// joined once the channels are closed.
type bridge struct {
	down    bridgeChannel
	up      bridgeChannel
	mode    session.Mode
	observe func([]byte)

	input chan error
}

// newBridge prepares a bridge between the two channels. A non-nil observe is
// called with every client-to-target chunk before it is forwarded; forwarded
// bytes are never altered.
func newBridge(down, up bridgeChannel, mode session.Mode, observe func([]byte)) *bridge {
	return &bridge{
		down:    down,
		up:      up,
		mode:    mode,
		observe: observe,
		input:   make(chan error, 1),
	}
}

// Run starts the input pump in the background and drains the target's output
// (and stderr outside shell mode) to the client. It returns once the target's
// streams are done or a pump fails.
func (b *bridge) Run() error {
	size := protocol.FileTransferBufferSize
	if b.mode == session.ModeShell {
		size = protocol.ShellBufferSize
	}

	go func() {
		err := pump(b.up, b.down, make([]byte, size), b.observe)
		// Half-close so the target sees stdin EOF while its output still
		// flows.
		_ = b.up.CloseWrite()
		b.input <- err
	}()

	var g errgroup.Group
	g.Go(func() error {
		return pump(b.down, b.up, make([]byte, size), nil)
	})
	if b.mode != session.ModeShell {
		g.Go(func() error {
			return pump(b.down.Stderr(), b.up.Stderr(), make([]byte, size), nil)
		})
	}
	return g.Wait()
}

// Join returns the input pump's result. Callers close both channels first;
// that is what unblocks the pump's pending read.
func (b *bridge) Join() error {
	return <-b.input
}

// pump copies src to dst in fixed-size chunks until EOF, passing each chunk
// through observe first when one is set.
func pump(dst io.Writer, src io.Reader, buf []byte, observe func([]byte)) error {
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if observe != nil {
				observe(buf[:n])
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}
