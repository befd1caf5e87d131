package proxy

import (
	"errors"
	"fmt"
	"io"
)

// ForkedStream receives a copy of every body byte relayed on one connection.
//
// The relay calls exactly one of Close (the whole body was delivered) or
// Abort (the transfer stopped early), exactly once. Write and Flush are only
// called before that.
type ForkedStream interface {
	io.Writer
	Flush() error
	Close() error
	Abort()
}

// ForkedStreamFactory creates one ForkedStream per connection. It is called
// after the origin's response headers are known and before any body byte is
// relayed.
type ForkedStreamFactory interface {
	CreateForkedStream(q QueryParams) (ForkedStream, error)
}

// ForkedStreamFactoryFunc adapts a function to ForkedStreamFactory.
type ForkedStreamFactoryFunc func(q QueryParams) (ForkedStream, error)

func (f ForkedStreamFactoryFunc) CreateForkedStream(q QueryParams) (ForkedStream, error) {
	return f(q)
}

// DiscardFactory hands out streams that drop everything written to them.
var DiscardFactory ForkedStreamFactory = ForkedStreamFactoryFunc(func(QueryParams) (ForkedStream, error) {
	return discardStream{}, nil
})

type discardStream struct{}

func (discardStream) Write(p []byte) (int, error) { return len(p), nil }
func (discardStream) Flush() error                { return nil }
func (discardStream) Close() error                { return nil }
func (discardStream) Abort()                      {}

// forkState is the lifecycle of a forked stream as seen by the relay.
type forkState int

const (
	forkOpen forkState = iota
	forkClosed
	forkAborted
)

func (s forkState) String() string {
	switch s {
	case forkOpen:
		return "open"
	case forkClosed:
		return "closed"
	case forkAborted:
		return "aborted"
	default:
		return fmt.Sprintf("forkState(%d)", int(s))
	}
}

var errForkFinished = errors.New("forked stream already finished")

// forkGuard enforces the single terminal transition of a ForkedStream. It is
// owned by one worker goroutine and is not safe for concurrent use.
type forkGuard struct {
	fs    ForkedStream
	state forkState
}

func newForkGuard(fs ForkedStream) *forkGuard {
	return &forkGuard{fs: fs}
}

func (g *forkGuard) Write(p []byte) (int, error) {
	if g.state != forkOpen {
		return 0, errForkFinished
	}
	return g.fs.Write(p)
}

func (g *forkGuard) Flush() error {
	if g.state != forkOpen {
		return errForkFinished
	}
	return g.fs.Flush()
}

// close finishes the stream normally. It is a no-op once finished.
func (g *forkGuard) close() error {
	if g.state != forkOpen {
		return nil
	}
	g.state = forkClosed
	return g.fs.Close()
}

// abort finishes the stream abnormally. It is a no-op once finished.
func (g *forkGuard) abort() {
	if g.state != forkOpen {
		return
	}
	g.state = forkAborted
	g.fs.Abort()
}
