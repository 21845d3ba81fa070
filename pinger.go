// Copyright 2026 Refconn Authors
// Licensed under the LGPLv3, see LICENCE file for details.

package refconn

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"gopkg.in/tomb.v2"
)

// Pinger periodically pings the peer and closes the connection when a
// ping goes unanswered for a full period. Timeouts are policy layered
// above the core: the connection itself never gives up on a silent
// peer.
type Pinger struct {
	tomb   tomb.Tomb
	conn   *Conn
	clock  clock.Clock
	period time.Duration

	mu     sync.Mutex
	rounds int
}

// NewPinger starts a pinger for conn, probing every period. Use
// clock.WallClock outside tests.
func NewPinger(conn *Conn, clk clock.Clock, period time.Duration) *Pinger {
	p := &Pinger{
		conn:   conn,
		clock:  clk,
		period: period,
	}
	p.tomb.Go(p.loop)
	return p
}

// Kill asks the pinger to stop without waiting.
func (p *Pinger) Kill() {
	p.tomb.Kill(nil)
}

// Wait waits for the pinger to stop and returns any error encountered
// while pinging.
func (p *Pinger) Wait() error {
	return p.tomb.Wait()
}

// Stop kills the pinger and waits for it to exit.
func (p *Pinger) Stop() error {
	p.tomb.Kill(nil)
	return p.tomb.Wait()
}

// loop drives one clock timer for both the probe interval and the
// reply deadline: a tick with the previous ping still outstanding means
// the peer has been silent for a full period.
func (p *Pinger) loop() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	timer := p.clock.NewTimer(p.period)
	defer timer.Stop()

	var pending chan error
	for {
		select {
		case <-p.tomb.Dying():
			return tomb.ErrDying
		case <-p.conn.Dead():
			return nil
		case err := <-pending:
			pending = nil
			if err != nil {
				return p.failed(err)
			}
			p.mu.Lock()
			p.rounds++
			p.mu.Unlock()
		case <-timer.Chan():
			if pending != nil {
				return p.failed(errors.Errorf("no ping reply within %v", p.period))
			}
			pending = make(chan error, 1)
			ping := pending
			go func() {
				ping <- p.conn.Ping(ctx)
			}()
			timer.Reset(p.period)
		}
	}
}

func (p *Pinger) failed(err error) error {
	logger.Infof("peer unresponsive, closing connection: %v", err)
	if cerr := p.conn.Close(); cerr != nil {
		logger.Debugf("closing unresponsive connection: %v", cerr)
	}
	return errors.Trace(err)
}
