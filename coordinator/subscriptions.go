package coordinator

import (
	"slices"
	"sync"

	"github.com/caffeineduck/twedge/topic"
)

// Subscriptions maps topic filters to the names of subscribed clients.
type Subscriptions struct {
	mu      sync.RWMutex
	filters map[string]map[string]struct{}
}

// NewSubscriptions creates an empty subscription table.
func NewSubscriptions() *Subscriptions {
	return &Subscriptions{filters: make(map[string]map[string]struct{})}
}

// Add subscribes client to filter and reports whether filter had no
// subscribers before.
func (s *Subscriptions) Add(client, filter string) (first bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.filters[filter]
	if !ok {
		set = make(map[string]struct{})
		s.filters[filter] = set
	}
	set[client] = struct{}{}
	return !ok
}

// Remove unsubscribes client from filter and reports whether filter is left
// without subscribers.
func (s *Subscriptions) Remove(client, filter string) (last bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.filters[filter]
	if !ok {
		return false
	}
	if _, ok := set[client]; !ok {
		return false
	}
	delete(set, client)
	if len(set) == 0 {
		delete(s.filters, filter)
		return true
	}
	return false
}

// RemoveClient drops every subscription of client and returns the filters
// left without subscribers, sorted.
func (s *Subscriptions) RemoveClient(client string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var emptied []string
	for filter, set := range s.filters {
		if _, ok := set[client]; !ok {
			continue
		}
		delete(set, client)
		if len(set) == 0 {
			delete(s.filters, filter)
			emptied = append(emptied, filter)
		}
	}
	slices.Sort(emptied)
	return emptied
}

// Match returns the sorted, de-duplicated clients with a filter matching
// name.
func (s *Subscriptions) Match(name string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	for filter, set := range s.filters {
		if !topic.Match(filter, name) {
			continue
		}
		for client := range set {
			seen[client] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for client := range seen {
		out = append(out, client)
	}
	slices.Sort(out)
	return out
}

// Filters returns the sorted filters of client.
func (s *Subscriptions) Filters(client string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for filter, set := range s.filters {
		if _, ok := set[client]; ok {
			out = append(out, filter)
		}
	}
	slices.Sort(out)
	return out
}

// Snapshot copies the table as filter -> sorted clients.
func (s *Subscriptions) Snapshot() map[string][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]string, len(s.filters))
	for filter, set := range s.filters {
		clients := make([]string, 0, len(set))
		for c := range set {
			clients = append(clients, c)
		}
		slices.Sort(clients)
		out[filter] = clients
	}
	return out
}
