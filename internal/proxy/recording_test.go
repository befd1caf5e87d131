package proxy

import (
	"bytes"
	"sync"
	"testing"
	"time"
)

// recordingStream is a ForkedStream that keeps everything written to it and
// counts terminal calls.
type recordingStream struct {
	mu           sync.Mutex
	buf          bytes.Buffer
	flushes      int
	closes       int
	aborts       int
	lateWrites   int
	writeErr     error
	closeErr     error
	finished     chan struct{}
	finishedOnce sync.Once
}

func newRecordingStream() *recordingStream {
	return &recordingStream{finished: make(chan struct{})}
}

func (r *recordingStream) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closes+r.aborts > 0 {
		r.lateWrites++
	}
	if r.writeErr != nil {
		return 0, r.writeErr
	}
	return r.buf.Write(p)
}

func (r *recordingStream) Flush() error {
	r.mu.Lock()
	r.flushes++
	r.mu.Unlock()
	return nil
}

func (r *recordingStream) Close() error {
	r.mu.Lock()
	r.closes++
	r.mu.Unlock()
	r.finishedOnce.Do(func() { close(r.finished) })
	return r.closeErr
}

func (r *recordingStream) Abort() {
	r.mu.Lock()
	r.aborts++
	r.mu.Unlock()
	r.finishedOnce.Do(func() { close(r.finished) })
}

func (r *recordingStream) bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return bytes.Clone(r.buf.Bytes())
}

func (r *recordingStream) counts() (closes, aborts, lateWrites int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closes, r.aborts, r.lateWrites
}

func (r *recordingStream) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.finished:
	case <-time.After(5 * time.Second):
		t.Fatal("forked stream was neither closed nor aborted")
	}
}

// recordingFactory hands out recordingStreams keyed by the "id" query
// parameter.
type recordingFactory struct {
	mu      sync.Mutex
	streams map[string]*recordingStream
	queries []QueryParams
	created chan *recordingStream
}

func newRecordingFactory() *recordingFactory {
	return &recordingFactory{
		streams: make(map[string]*recordingStream),
		created: make(chan *recordingStream, 64),
	}
}

func (f *recordingFactory) CreateForkedStream(q QueryParams) (ForkedStream, error) {
	rs := newRecordingStream()
	f.mu.Lock()
	f.streams[q.Get("id")] = rs
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	f.created <- rs
	return rs, nil
}

func (f *recordingFactory) stream(id string) *recordingStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[id]
}

func (f *recordingFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

func (f *recordingFactory) next(t *testing.T) *recordingStream {
	t.Helper()
	select {
	case rs := <-f.created:
		return rs
	case <-time.After(5 * time.Second):
		t.Fatal("no forked stream was created")
		return nil
	}
}
