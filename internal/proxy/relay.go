package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
)

type relayResult struct {
	bytes int64
	state forkState
	// cancelled is set when ctx ended the transfer early.
	cancelled bool
}

// relay writes resp's status line and headers to client, then copies the
// body chunk by chunk to both client and fs, flushing each after every
// chunk.
//
// On end of stream fs is closed; on any failure or cancellation it is
// aborted. Cancellation is checked between chunks and is not an error.
// relay always releases the response body, then client, then fs.
func relay(ctx context.Context, client io.WriteCloser, resp *Response, fs ForkedStream, buf []byte) (res relayResult, err error) {
	g := newForkGuard(fs)
	defer func() {
		err = errors.Join(err,
			releaseErr("response body", resp.Body.Close()),
			releaseErr("client", client.Close()),
		)
		g.abort()
		res.state = g.state
	}()

	// fail aborts the forked stream and reports err, unless ctx was
	// cancelled, in which case the error is the cancellation's side effect.
	fail := func(op string, err error) error {
		g.abort()
		if ctx.Err() != nil {
			res.cancelled = true
			return nil
		}
		return fmt.Errorf("%w: %s: %w", ErrRelayFailure, op, err)
	}

	bw := bufio.NewWriter(client)
	if err := writeHead(bw, resp); err != nil {
		return res, fail("write headers", err)
	}

	for {
		if ctx.Err() != nil {
			g.abort()
			res.cancelled = true
			return res, nil
		}

		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if _, err := bw.Write(chunk); err != nil {
				return res, fail("write client", err)
			}
			if err := bw.Flush(); err != nil {
				return res, fail("flush client", err)
			}
			res.bytes += int64(n)

			if wn, err := g.Write(chunk); err != nil || wn < n {
				if err == nil {
					err = io.ErrShortWrite
				}
				return res, fail("write forked stream", err)
			}
			if err := g.Flush(); err != nil {
				return res, fail("flush forked stream", err)
			}
		}

		if rerr == io.EOF {
			if err := g.close(); err != nil {
				return res, fmt.Errorf("%w: close forked stream: %w", ErrRelayFailure, err)
			}
			return res, nil
		}
		if rerr != nil {
			return res, fail("read upstream", rerr)
		}
	}
}

func writeHead(bw *bufio.Writer, resp *Response) error {
	if _, err := bw.WriteString(resp.StatusLine() + "\r\n"); err != nil {
		return err
	}
	if err := resp.Header.Write(bw); err != nil {
		return err
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return err
	}
	return bw.Flush()
}

// releaseErr drops errors from closing something that shutdown already
// closed.
func releaseErr(what string, err error) error {
	if err == nil || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return fmt.Errorf("close %s: %w", what, err)
}
