package gateway

import "time"

// Default timeouts, overridden by Options
const (
	// WriteWait is time allowed to write a message to the peer
	WriteWait = 10 * time.Second

	// PongWait is time allowed to read the next pong message from the peer
	PongWait = 60 * time.Second

	// PingPeriod is period between pings. Must be less than PongWait
	PingPeriod = (PongWait * 9) / 10

	// MaxMessageSize is maximum message size allowed from peer
	MaxMessageSize = 51200

	// WriteChannelSize is the number of frames buffered for the writer
	WriteChannelSize = 256

	// HandshakeTimeout bounds the websocket upgrade
	HandshakeTimeout = 10 * time.Second
)

// Query parameter keys
const (
	QueryToken       = "token"
	QueryOperationId = "operation_id"
)
