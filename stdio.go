package apps

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// StdIO implements a standard input/output transport, carrying one frame per line over an
// io.Reader/io.Writer pair such as stdin/stdout of a child process. It provides a single channel
// and can be used as either HostTransport or AppTransport.
//
// Frames must not contain newlines, so StdIO only works with text codecs like JSONCodec. Stopping
// the channel closes the writer when it is an io.Closer.
type StdIO struct {
	ch     *stdIOChannel
	closed chan struct{}
}

// StdIOOption represents the options for StdIO.
type StdIOOption func(*StdIO)

type stdIOChannel struct {
	id     string
	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	writeFrames chan stdIOFrame
	startOnce   sync.Once
	stopOnce    sync.Once
	done        chan struct{}
	writeClosed chan struct{}
}

type stdIOFrame struct {
	frame []byte
	errs  chan error
}

var errStdIOClosed = errors.New("stdio channel closed")

// NewStdIO creates a new StdIO instance configured with the provided reader and writer.
func NewStdIO(reader io.Reader, writer io.Writer, options ...StdIOOption) *StdIO {
	s := &StdIO{
		ch: &stdIOChannel{
			id:          uuid.New().String(),
			reader:      reader,
			writer:      writer,
			logger:      slog.Default(),
			writeFrames: make(chan stdIOFrame),
			done:        make(chan struct{}),
			writeClosed: make(chan struct{}),
		},
		closed: make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithStdIOLogger sets the logger for the StdIO transport.
func WithStdIOLogger(logger *slog.Logger) StdIOOption {
	return func(s *StdIO) {
		s.ch.logger = logger
	}
}

// Channels implements HostTransport. It yields the single channel and returns once that channel
// is stopped.
func (s *StdIO) Channels() iter.Seq[Channel] {
	return func(yield func(Channel) bool) {
		defer close(s.closed)

		s.ch.start()
		if !yield(s.ch) {
			return
		}
		<-s.ch.done
	}
}

// Shutdown implements HostTransport by waiting for the Channels iteration to end.
func (s *StdIO) Shutdown(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
	}
	return nil
}

// Connect implements AppTransport.
func (s *StdIO) Connect(context.Context) (Channel, error) {
	s.ch.start()
	return s.ch, nil
}

func (c *stdIOChannel) ID() string { return c.id }

func (c *stdIOChannel) Send(ctx context.Context, frame []byte) error {
	if bytes.IndexByte(frame, '\n') >= 0 {
		return errors.New("frame contains a newline")
	}

	// Append newline to maintain message framing.
	line := make([]byte, len(frame), len(frame)+1)
	copy(line, frame)
	line = append(line, '\n')

	f := stdIOFrame{
		frame: line,
		errs:  make(chan error, 1),
	}

	// Queue the frame so a single goroutine writes to the writer.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return errStdIOClosed
	case c.writeFrames <- f:
	}

	select {
	case err := <-f.errs:
		if err != nil {
			c.logger.Error("failed to write frame", slog.String("err", err.Error()))
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return errStdIOClosed
	}
}

func (c *stdIOChannel) Frames() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		// bufio.Reader instead of bufio.Scanner avoids max token size errors.
		reader := bufio.NewReader(c.reader)
		for {
			type lineWithErr struct {
				line []byte
				err  error
			}

			// Read in a goroutine so a slow reader does not keep us from noticing Stop.
			lines := make(chan lineWithErr, 1)
			go func() {
				line, err := reader.ReadBytes('\n')
				lines <- lineWithErr{line: bytes.TrimRight(line, "\r\n"), err: err}
			}()

			var lwe lineWithErr
			select {
			case <-c.done:
				return
			case lwe = <-lines:
			}

			if len(lwe.line) > 0 {
				if !yield(lwe.line) {
					return
				}
			}

			if lwe.err != nil {
				if !errors.Is(lwe.err, io.EOF) {
					c.logger.Error("failed to read frame", "err", lwe.err)
				}
				return
			}
		}
	}
}

func (c *stdIOChannel) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		// Closing the writer signals EOF to the peer and unblocks a pending write.
		if closer, ok := c.writer.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				c.logger.Warn("failed to close writer", "err", err)
			}
		}
	})

	started := true
	c.startOnce.Do(func() {
		started = false
		close(c.writeClosed)
	})
	if started {
		<-c.writeClosed
	}
}

func (c *stdIOChannel) start() {
	c.startOnce.Do(func() {
		go c.processWriteFrames()
	})
}

func (c *stdIOChannel) processWriteFrames() {
	defer close(c.writeClosed)

	for {
		var f stdIOFrame
		select {
		case <-c.done:
			return
		case f = <-c.writeFrames:
		}

		_, err := c.writer.Write(f.frame)
		f.errs <- err
	}
}
