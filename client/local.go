package client

import (
	"errors"

	"github.com/jathurchan/accesslock/arbiter"
	"github.com/jathurchan/accesslock/notify"
	"github.com/jathurchan/accesslock/types"
)

// localBackend runs the arbiter in the calling process. Cross-process
// coordination then relies on the store and channel being shared, as with
// storage.FileStore and notify.Mailbox.
type localBackend struct {
	arbiter.Arbiter
	channel notify.Channel
}

// NewLocalBackend combines an arbiter and a notification channel into a
// Backend. Neither is closed by the backend.
func NewLocalBackend(arb arbiter.Arbiter, channel notify.Channel) (Backend, error) {
	if arb == nil {
		return nil, errors.New("client: arbiter must not be nil")
	}
	if channel == nil {
		return nil, errors.New("client: notification channel must not be nil")
	}
	return &localBackend{Arbiter: arb, channel: channel}, nil
}

func (b *localBackend) Subscribe(process types.ProcessID, handler notify.Handler) error {
	return b.channel.Subscribe(process, handler)
}

func (b *localBackend) Unsubscribe(process types.ProcessID) error {
	return b.channel.Unsubscribe(process)
}

var _ Backend = (*localBackend)(nil)
