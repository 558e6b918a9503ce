package client

import (
	"time"

	uds "github.com/vdiag/gouds"
)

// DefaultTransactionTimeout is the funnel timeout used by Transaction.
const DefaultTransactionTimeout = 1000 * time.Millisecond

// ProgressFunc renders transaction progress (a spinner tick). The core never
// assumes a terminal is attached; a nil ProgressFunc is valid.
type ProgressFunc func(label string, done bool)

// Prepare resets the transaction flags before a new request. It is called by
// Transaction; manual send sequences call it directly.
func (c *Client) Prepare() {
	c.responseReceived = false
	c.lastNRC = 0
}

// WaitTransaction is the single funnel for all transactions: it polls the
// engine until the response flag is set or the timeout expires, then
// classifies the outcome. sendErr short-circuits on a synchronous send
// failure.
func (c *Client) WaitTransaction(sendErr error, label string, timeout time.Duration, progress ProgressFunc) error {
	if sendErr != nil {
		c.logger.Error("send failed", "label", label, "err", sendErr)
		return sendErr
	}

	start := time.Now()
	lastSpin := start
	for !c.responseReceived {
		c.Poll()

		if timeout > 0 && time.Since(start) > timeout {
			c.logger.Warn("transaction timeout", "label", label)
			c.state = StateIdle
			return uds.ErrTimeout
		}
		if progress != nil && time.Since(lastSpin) >= 100*time.Millisecond {
			progress(label, false)
			lastSpin = time.Now()
		}
		time.Sleep(time.Millisecond)
	}
	if progress != nil {
		progress(label, true)
	}

	if c.lastNRC != 0 {
		c.logger.Error("transaction failed", "label", label, "nrc", c.lastNRC)
		return uds.NRC(c.lastNRC)
	}
	return nil
}

// Transaction runs prepare, the send call and the wait with the default
// timeout.
func (c *Client) Transaction(send func() error, label string, progress ProgressFunc) error {
	c.Prepare()
	return c.WaitTransaction(send(), label, DefaultTransactionTimeout, progress)
}

// TransactionTimeout is Transaction with a caller-supplied timeout.
func (c *Client) TransactionTimeout(send func() error, label string, timeout time.Duration, progress ProgressFunc) error {
	c.Prepare()
	return c.WaitTransaction(send(), label, timeout, progress)
}
