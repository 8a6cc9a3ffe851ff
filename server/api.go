package server

import (
	"context"
	"net"

	"github.com/jathurchan/accesslock/transport"
)

// AccessLockServer is the arbiter daemon: it serves the Arbiter gRPC service
// on a local socket and streams arbiter events to subscribed processes.
type AccessLockServer interface {
	transport.ArbiterServer

	// Start opens the listener, registers the Arbiter and health services,
	// starts the sweeper when enabled and begins serving in the background.
	//
	// Returns ErrServerAlreadyStarted if called twice, ErrSocketInUse when
	// another daemon answers on the socket.
	Start(ctx context.Context) error

	// Stop ends event streams, drains in-flight calls and stops the sweeper.
	// It forces the shutdown and returns ErrShutdownTimeout if draining takes
	// longer than the configured ShutdownTimeout or the ctx deadline.
	Stop(ctx context.Context) error

	// State reports the operational state.
	State() ServerOperationalState

	// Addr returns the listening address once started.
	Addr() net.Addr

	// Subscriptions returns the open event streams tracker.
	Subscriptions() SubscriptionManager
}
