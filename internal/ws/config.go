package ws

import "time"

const (
	// PingPeriod is the interval for sending ping messages to keep the
	// connection alive. Must be less than PongWait.
	PingPeriod = (PongWait * 9) / 10

	// PongWait specifies the maximum time to wait for a pong response.
	PongWait = 60 * time.Second

	// WriteWait specifies the maximum duration allowed to write a message
	// to the peer.
	WriteWait = 10 * time.Second

	DefaultMaxMessageSize = 64 * 1024
	DefaultSendQueueSize  = 256
	DefaultInboundRate    = 20
	DefaultInboundBurst   = 40
)

type Config struct {
	SendQueueSize  int
	MaxMessageSize int64
	PingPeriod     time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration

	// InboundRate is the steady number of frames per second a connection may
	// send; InboundBurst is the bucket size. A zero rate disables the limit.
	InboundRate  float64
	InboundBurst int

	// AllowedOrigins is checked against the Origin header on upgrade. "*"
	// allows any origin.
	AllowedOrigins []string
}

func NewDefaultConfig() Config {
	return Config{
		SendQueueSize:  DefaultSendQueueSize,
		MaxMessageSize: DefaultMaxMessageSize,
		PingPeriod:     PingPeriod,
		PongWait:       PongWait,
		WriteWait:      WriteWait,
		InboundRate:    DefaultInboundRate,
		InboundBurst:   DefaultInboundBurst,
		AllowedOrigins: []string{"*"},
	}
}
