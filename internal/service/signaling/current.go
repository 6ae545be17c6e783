package signaling

import (
	"errors"
	"sync/atomic"
)

// ErrBrokerNotInitialized is returned by Current before Register has run
var ErrBrokerNotInitialized = errors.New("signaling broker not initialized")

var current atomic.Pointer[Broker]

// Register publishes b as the process-wide broker
func Register(b *Broker) {
	current.Store(b)
}

// Current returns the registered broker
func Current() (*Broker, error) {
	b := current.Load()
	if b == nil {
		return nil, ErrBrokerNotInitialized
	}
	return b, nil
}

// MustCurrent returns the registered broker and panics when there is none
func MustCurrent() *Broker {
	b, err := Current()
	if err != nil {
		panic(err)
	}
	return b
}

// Unregister clears the process-wide broker; Current fails again afterwards
func Unregister() {
	current.Store(nil)
}
