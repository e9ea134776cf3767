package client

import (
	"context"
	"math"
	"time"
)

// backoffDelay computes the wait before reconnect attempt n (1-based): one
// second grown by the multiplier each attempt, capped at thirty seconds.
func backoffDelay(attempt int, multiplier float64) time.Duration {
	d := time.Duration(float64(backoffBaseDelay) * math.Pow(multiplier, float64(attempt-1)))
	if d > backoffMaxDelay {
		d = backoffMaxDelay
	}
	return d
}

// scheduleReconnect arms the next reconnect attempt and moves the client to
// StateReconnecting. Returns false when the attempt budget is spent or the
// disconnect was deliberate.
func (c *Client) scheduleReconnect() bool {
	c.mu.Lock()
	if c.intentional {
		c.mu.Unlock()
		return false
	}
	if c.attempts >= c.opts.MaxReconnectAttempts {
		c.mu.Unlock()
		c.log.Warn().Int("attempts", c.opts.MaxReconnectAttempts).Msg("Reconnect attempts exhausted")
		return false
	}
	c.attempts++
	attempt := c.attempts
	c.mu.Unlock()

	delay := backoffDelay(attempt, c.opts.ReconnectBackoffMultiplier)
	c.setState(StateReconnecting)
	c.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Reconnecting")

	c.mu.Lock()
	if c.state != StateReconnecting {
		// Disconnect raced in and already settled the state
		c.mu.Unlock()
		return true
	}
	c.reconnectTimer = time.AfterFunc(delay, c.reconnectNow)
	c.mu.Unlock()
	return true
}

// reconnectNow runs when the backoff timer fires: one dial attempt, then
// either connected or the next attempt is scheduled.
func (c *Client) reconnectNow() {
	c.mu.Lock()
	if c.state != StateReconnecting || c.intentional {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.reconnectTimer = nil
	c.mu.Unlock()
	c.fireStateChange(StateConnecting, StateReconnecting)

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.HandshakeTimeout)
	defer cancel()
	if err := c.dial(ctx); err != nil {
		c.log.Warn().Err(err).Msg("Reconnect attempt failed")
		c.fireError(err)
		if !c.scheduleReconnect() {
			c.setState(StateDisconnected)
		}
	}
}
