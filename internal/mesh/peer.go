package mesh

import (
	"log/slog"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/protocol"
)

type peer struct {
	id     string
	conn   PeerConn
	polite bool
	log    *slog.Logger

	mu         sync.Mutex
	state      State
	iceRestart bool

	// negotiate holds at most one pending renegotiation request.
	negotiate chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newPeer(id string, conn PeerConn, polite bool, log *slog.Logger) *peer {
	return &peer{
		id:        id,
		conn:      conn,
		polite:    polite,
		log:       log,
		state:     StateStable,
		negotiate: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

func (p *peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// setStateLocked must be called with p.mu held.
func (p *peer) setStateLocked(s State) {
	if p.state == s {
		return
	}
	p.log.Debug("peer state", "peer", p.id, "from", p.state.String(), "to", s.String())
	p.state = s
}

// request queues a renegotiation. Requests made while one is already pending
// collapse into it.
func (p *peer) request(iceRestart bool) {
	if iceRestart {
		p.mu.Lock()
		p.iceRestart = true
		p.mu.Unlock()
	}
	select {
	case p.negotiate <- struct{}{}:
	default:
	}
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.setStateLocked(StateClosed)
		p.mu.Unlock()
		close(p.done)
		if err := p.conn.Close(); err != nil {
			p.log.Debug("close peer connection", "peer", p.id, "err", err)
		}
	})
}

// negotiator runs until the peer closes. Each wakeup waits out the debounce
// window, then offers as soon as the peer is stable, retrying every
// settleDelay while it is not.
func (e *Engine) negotiator(p *peer) {
	defer e.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case <-p.negotiate:
		}

		if !e.sleep(p, e.cfg.Debounce) {
			return
		}
		for {
			// Anything requested up to this point is covered by the offer
			// about to be made.
			select {
			case <-p.negotiate:
			default:
			}
			if e.tryOffer(p) {
				break
			}
			if !e.sleep(p, e.cfg.SettleDelay) {
				return
			}
		}
	}
}

func (e *Engine) sleep(p *peer, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.done:
		return false
	case <-t.C:
		return true
	}
}

// tryOffer reports false if the peer is not ready for an offer yet.
func (e *Engine) tryOffer(p *peer) bool {
	if e.transitioning.Load() {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case StateClosed:
		return true
	case StateStable:
	default:
		return false
	}

	restart := p.iceRestart
	p.iceRestart = false
	desc, err := p.conn.CreateOffer(restart)
	if err != nil {
		e.log.Warn("create offer failed", "peer", p.id, "err", err)
		return true
	}
	p.setStateLocked(StateHaveLocalOffer)
	e.sendSignal(p.id, protocol.SignalPayload{SessionDescription: &desc})
	return true
}

func (e *Engine) handleDescription(p *peer, desc protocol.SessionDescription) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch desc.Type {
	case protocol.SDPTypeOffer:
		rolledBack := false
		switch p.state {
		case StateClosed:
			return
		case StateHaveLocalOffer:
			if !p.polite {
				e.log.Debug("offer collision, ignoring remote offer", "peer", p.id)
				return
			}
			e.log.Debug("offer collision, rolling back local offer", "peer", p.id)
			if err := p.conn.Rollback(); err != nil {
				e.log.Warn("rollback failed", "peer", p.id, "err", err)
				return
			}
			p.setStateLocked(StateStable)
			rolledBack = true
		}

		if err := p.conn.SetRemoteDescription(desc); err != nil {
			e.log.Warn("apply remote offer failed", "peer", p.id, "err", err)
			if rolledBack {
				p.request(false)
			}
			return
		}
		p.setStateLocked(StateHaveRemoteOffer)
		answer, err := p.conn.CreateAnswer()
		if err != nil {
			e.log.Warn("create answer failed", "peer", p.id, "err", err)
			// Drop the remote offer so the next local offer can go out.
			if err := p.conn.Rollback(); err != nil {
				e.log.Warn("rollback failed", "peer", p.id, "err", err)
			}
			p.setStateLocked(StateStable)
			p.request(false)
			return
		}
		p.setStateLocked(StateStable)
		e.sendSignal(p.id, protocol.SignalPayload{SessionDescription: &answer})

		if rolledBack {
			// Our own changes were discarded by the rollback.
			p.request(false)
		}

	case protocol.SDPTypeAnswer:
		if p.state != StateHaveLocalOffer {
			e.log.Debug("ignoring stale answer", "peer", p.id, "state", p.state.String())
			return
		}
		if err := p.conn.SetRemoteDescription(desc); err != nil {
			e.log.Warn("apply remote answer failed", "peer", p.id, "err", err)
			if err := p.conn.Rollback(); err != nil {
				e.log.Warn("rollback failed", "peer", p.id, "err", err)
			}
			p.setStateLocked(StateStable)
			p.request(false)
			return
		}
		p.setStateLocked(StateStable)
	}
}
