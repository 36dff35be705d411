package device

import (
	"crypto/rand"

	"github.com/caffeineduck/twedge/stream"
	"github.com/caffeineduck/twedge/vfs"
)

// RandomPath is the path owned by Random.
const RandomPath = "/dev/random"

// Random serves 8 bytes from the host CSPRNG per read cycle.
type Random struct{}

// NewRandom creates the /dev/random provider.
func NewRandom() *Random { return &Random{} }

// Capability reports /dev/random as read-only.
func (r *Random) Capability() vfs.Capability { return vfs.ReadOnly }

// Find implements vfs.Provider. Every read cycle yields 8 fresh bytes.
func (r *Random) Find(path string) (*vfs.Entry, bool) {
	if path != RandomPath {
		return nil, false
	}
	s := stream.NewPull(func() ([]byte, error) {
		buf := make([]byte, 8)
		if _, err := rand.Read(buf); err != nil {
			return nil, err
		}
		return buf, nil
	}, stream.WithAutoReset(stream.ResetAtEnd))
	return vfs.NewEntry(path, vfs.ReadOnly, s), true
}
