package client

import "time"

// Heartbeat defaults.
const (
	DefaultHeartbeatInterval = 2000 * time.Millisecond
	MaxHeartbeatRetries      = 3
)

// Heartbeat send outcomes.
type HeartbeatResult int

const (
	HeartbeatSent HeartbeatResult = iota
	HeartbeatBusy
	HeartbeatSendError
)

// HeartbeatMonitor is the client liveness state machine. The consecutive
// failure counter has three increment sources (synchronous heartbeat send
// errors, transport errors surfaced by the poll interceptor and transport
// errors raised by the protocol engine, both arriving as EventErr with the
// transport word) and two clear sources (any received response, and an
// explicit Reset). Reaching the threshold fires the disconnect callback
// exactly once per failure streak.
type HeartbeatMonitor struct {
	Interval   time.Duration
	MaxRetries int

	client       *Client
	lastBeat     time.Time
	failCount    int
	fired        bool
	onDisconnect func()
}

// NewHeartbeatMonitor attaches a monitor to the client by chaining into its
// event sink.
func NewHeartbeatMonitor(c *Client, onDisconnect func()) *HeartbeatMonitor {
	m := &HeartbeatMonitor{
		Interval:     DefaultHeartbeatInterval,
		MaxRetries:   MaxHeartbeatRetries,
		client:       c,
		lastBeat:     time.Now(),
		onDisconnect: onDisconnect,
	}
	prev := c.SetEventSink(nil)
	c.SetEventSink(func(ev Event, errWord uint16) {
		m.handleEvent(ev, errWord)
		if prev != nil {
			prev(ev, errWord)
		}
	})
	return m
}

func (m *HeartbeatMonitor) handleEvent(ev Event, errWord uint16) {
	switch ev {
	case EventResponseReceived:
		// A response proves the link is alive
		m.failCount = 0
		m.fired = false
	case EventErr:
		if errWord == ErrWordTransport {
			m.bumpFailCount()
		}
	}
}

func (m *HeartbeatMonitor) bumpFailCount() {
	m.failCount++
	if m.failCount >= m.MaxRetries && !m.fired {
		m.fired = true
		if m.onDisconnect != nil {
			m.onDisconnect()
		}
	}
}

// FailCount returns the current consecutive failure count.
func (m *HeartbeatMonitor) FailCount() int { return m.failCount }

// Reset clears the failure streak and re-arms the timer.
func (m *HeartbeatMonitor) Reset() {
	m.failCount = 0
	m.fired = false
	m.lastBeat = time.Now()
}

// Touch re-arms the interval timer without touching the counter (user
// activity counts as traffic).
func (m *HeartbeatMonitor) Touch() {
	m.lastBeat = time.Now()
}

// Tick checks the interval and sends a heartbeat when it elapsed. Call it
// from the shell loop on every iteration.
func (m *HeartbeatMonitor) Tick() {
	if time.Since(m.lastBeat) <= m.Interval {
		return
	}
	switch m.SendSafe() {
	case HeartbeatSent, HeartbeatSendError:
		m.lastBeat = time.Now()
	case HeartbeatBusy:
		// Timer intentionally not reset; retry on the next tick
	}
}

// SendSafe sends a TesterPresent with positive response suppression, but
// only when no transaction is in flight. A synchronous send error bumps the
// failure counter.
func (m *HeartbeatMonitor) SendSafe() HeartbeatResult {
	if m.client.State() != StateIdle {
		return HeartbeatBusy
	}
	prev := m.client.Options()
	m.client.SetOptions(prev | OptSuppressPosResp)
	err := m.client.SendTesterPresent()
	m.client.SetOptions(prev)

	if err != nil {
		m.bumpFailCount()
		return HeartbeatSendError
	}
	return HeartbeatSent
}
