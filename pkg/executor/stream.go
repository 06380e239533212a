package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"
)

// streamConn speaks newline-delimited JSON messages over a byte stream pair.
// A writer goroutine drains the outbound mailbox so Send never blocks on the
// peer, and a reader goroutine fills the inbound mailbox.
type streamConn struct {
	inbox  *mailbox
	outbox *mailbox

	group      errgroup.Group
	writerDone chan struct{}
	writeErr   error
	done       chan struct{}
	err        error
}

// newStreamConn starts the pumps. exit, when set, is called once the read
// side reached end of stream; its error becomes the final Receive error.
func newStreamConn(r io.Reader, w io.WriteCloser, exit func() error) *streamConn {
	c := &streamConn{
		inbox:      newMailbox(),
		outbox:     newMailbox(),
		writerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}

	c.group.Go(func() error { return c.writeLoop(w) })
	c.group.Go(func() error { return c.readLoop(r, exit) })

	go func() {
		c.err = c.group.Wait()
		close(c.done)
	}()

	return c
}

func (c *streamConn) writeLoop(w io.WriteCloser) error {
	c.writeErr = c.write(w)
	close(c.writerDone)

	return c.writeErr
}

func (c *streamConn) write(w io.WriteCloser) error {
	enc := json.NewEncoder(w)

	for {
		msg, err := c.outbox.take(context.Background())
		if err != nil {
			return closeIgnoringPipe(w)
		}

		err = enc.Encode(msg)
		if err != nil {
			c.outbox.close()
			_ = w.Close()

			return fmt.Errorf("write %s message: %w", msg.Kind, err)
		}
	}
}

func (c *streamConn) readLoop(r io.Reader, exit func() error) error {
	dec := json.NewDecoder(bufio.NewReader(r))

	for {
		var msg Message

		err := dec.Decode(&msg)
		if err != nil {
			var readErr error
			if !errors.Is(err, io.EOF) {
				readErr = fmt.Errorf("read message: %w", err)
			}

			var exitErr error
			if exit != nil {
				exitErr = exit()
			}

			final := errors.Join(readErr, exitErr)

			c.inbox.closeWithError(final)
			c.outbox.close()

			return final
		}

		_ = c.inbox.put(msg)
	}
}

func (c *streamConn) Send(msg Message) error {
	return c.outbox.put(msg)
}

func (c *streamConn) Receive(ctx context.Context) (Message, error) {
	return c.inbox.take(ctx)
}

// Close stops sending and waits until queued messages were flushed. It
// reports the error that stopped the writer, if any.
func (c *streamConn) Close() error {
	c.outbox.close()
	<-c.writerDone

	return c.writeErr
}

func closeIgnoringPipe(w io.Closer) error {
	err := w.Close()
	if err != nil && !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("close writer: %w", err)
	}

	return nil
}
