package portforward

import "sync"

// registry remembers the most recent successful enable on a handle so that
// follow-up disable/refresh calls can omit their parameters. One registry
// per handle; overwritten on each enable, cleared on successful disable,
// never shared outside the handle that owns it.
type registry struct {
	mu       sync.Mutex
	resolved *ResolvedMapping
	response *Response
}

// record overwrites the stored entry with the latest enable result.
func (r *registry) record(resolved ResolvedMapping, response *Response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolved = &resolved
	r.response = response
}

// disableDefaults returns the (external port, protocol) delete key of the
// recorded mapping.
func (r *registry) disableDefaults() (uint16, Protocol, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.response == nil {
		return 0, "", ErrNoActiveMapping
	}
	return r.response.ExternalPort, r.response.Protocol, nil
}

// refreshDefaults returns the recorded resolved mapping for re-enabling.
func (r *registry) refreshDefaults() (ResolvedMapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolved == nil {
		return ResolvedMapping{}, ErrNoActiveMapping
	}
	return *r.resolved, nil
}

// active returns the recorded gateway-confirmed state, or nil.
func (r *registry) active() *Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.response
}

// clear forgets the stored entry after a successful disable.
func (r *registry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolved = nil
	r.response = nil
}
