package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
)

// DumpScrollback connects, waits for framed mode, pages the companion's
// whole scrollback into the store and writes it to w. Terminal output is
// discarded.
func (c *Client) DumpScrollback(ctx context.Context, w io.Writer) error {
	if c.cfg.NoHandshake {
		return errors.New("scrollback needs framed mode")
	}
	stream, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.dumping = true
	c.dumpDone = false
	c.dumpErr = nil
	defer func() { c.dumping = false }()

	c.scroll.Reset()
	c.start(stream)
	err = c.dumpLoop(ctx)
	c.finish()
	if err != nil {
		return err
	}

	data := c.scroll.Bytes()
	c.log.Info("scrollback dumped", zap.Int("bytes", len(data)))
	_, err = w.Write(data)
	return err
}

func (c *Client) dumpLoop(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	netCh := make(chan netResult, 4)
	go readStream(c.stream, netCh, done)

	handshake := time.NewTimer(c.cfg.HandshakeTimeout)
	defer handshake.Stop()

	for {
		select {
		case res := <-netCh:
			if res.err != nil {
				if errors.Is(res.err, io.EOF) {
					return errors.New("transport closed before scrollback completed")
				}
				return fmt.Errorf("transport: %w", res.err)
			}
			c.sess.Receive(res.data)

		case <-handshake.C:
			if !c.framed {
				return ErrNoCompanion
			}

		case <-ctx.Done():
			return ctx.Err()
		}

		if c.sendErr != nil {
			return fmt.Errorf("transport: %w", c.sendErr)
		}
		if c.dumpDone {
			return c.dumpErr
		}
	}
}
