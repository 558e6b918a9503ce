package client

// ResponseHandler receives the client after a positive response landed in
// the receive buffer.
type ResponseHandler func(c *Client)

// ResponseRegistry is an append-only mapping from response SID (first
// payload byte) to a single handler. Registering an existing SID overwrites
// the previous entry.
type ResponseRegistry struct {
	handlers map[uint8]ResponseHandler
}

func NewResponseRegistry() *ResponseRegistry {
	return &ResponseRegistry{handlers: make(map[uint8]ResponseHandler)}
}

// Register subscribes a handler for a response SID.
func (r *ResponseRegistry) Register(sid uint8, handler ResponseHandler) {
	r.handlers[sid] = handler
}

// Dispatch routes the received buffer to the handler registered for its SID.
func (r *ResponseRegistry) Dispatch(c *Client) {
	if len(c.recvBuf) == 0 {
		return
	}
	if handler, ok := r.handlers[c.recvBuf[0]]; ok && handler != nil {
		handler(c)
	}
}
