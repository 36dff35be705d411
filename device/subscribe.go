package device

import (
	"bytes"
	"context"
	"time"

	"github.com/caffeineduck/twedge/stream"
	"github.com/caffeineduck/twedge/vfs"
)

// SubscribePath is the path owned by SubscribeSink.
const SubscribePath = "/dev/mqtt_subscribe"

// Subscriber registers interest in a topic filter with the coordinator.
type Subscriber interface {
	Subscribe(ctx context.Context, filter string) error
}

// SubscribeSink turns each line written to /dev/mqtt_subscribe into a
// subscription once the entry is closed.
type SubscribeSink struct {
	sub     Subscriber
	timeout time.Duration
}

// NewSubscribeSink creates the /dev/mqtt_subscribe provider. Each
// subscription is bounded by timeout.
func NewSubscribeSink(sub Subscriber, timeout time.Duration) *SubscribeSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SubscribeSink{sub: sub, timeout: timeout}
}

func (s *SubscribeSink) Capability() vfs.Capability { return vfs.WriteOnly }

// Find implements vfs.Provider.
func (s *SubscribeSink) Find(path string) (*vfs.Entry, bool) {
	if path != SubscribePath {
		return nil, false
	}
	e := stream.NewPush(stream.WithMaxSize(4096))
	return vfs.NewEntry(path, vfs.WriteOnly, e, vfs.OnClose(s.commit)), true
}

func (s *SubscribeSink) commit(data []byte) error {
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		filter := string(bytes.TrimSpace(line))
		if filter == "" {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		err := s.sub.Subscribe(ctx, filter)
		cancel()
		if err != nil {
			return err
		}
	}
	return nil
}
