package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/caffeineduck/twedge/ipc"
	"github.com/caffeineduck/twedge/status"
)

// State is the lifecycle of one agent connection.
type State int

const (
	StateUnregistered State = iota
	StateRegistered
	StateTerminating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistered:
		return "registered"
	case StateTerminating:
		return "terminating"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// connection is one accepted IPC link. opMu orders state checks with the
// frame sends that depend on them; responses are awaited outside it.
type connection struct {
	id          uuid.UUID
	peer        *ipc.Peer
	connectedAt time.Time

	opMu  sync.Mutex
	state State
	name  string
}

func (c *connection) snapshot() (State, string) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.state, c.name
}

// send issues req if the connection is in one of the allowed states.
func (c *connection) send(req ipc.Request, allowed ...State) (*ipc.Call, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	ok := false
	for _, s := range allowed {
		if c.state == s {
			ok = true
			break
		}
	}
	if !ok {
		return nil, status.New("send "+string(req.Method()), status.Unreachable, "client %q is %s", c.name, c.state)
	}
	return c.peer.Send(req)
}

func (c *connection) call(ctx context.Context, req ipc.Request, allowed ...State) error {
	call, err := c.send(req, allowed...)
	if err != nil {
		return err
	}
	return call.Wait(ctx)
}

// ClientInfo describes a registered client for status reporting.
type ClientInfo struct {
	Name          string    `json:"name"`
	ConnectionID  string    `json:"connection_id"`
	State         string    `json:"state"`
	ConnectedAt   time.Time `json:"connected_at"`
	Subscriptions []string  `json:"subscriptions"`
}
