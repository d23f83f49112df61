package engine

import "personabot/pkg/persona"

// Backend names the path that produced a reply.
type Backend string

const (
	BackendNone   Backend = "none"
	BackendRemote Backend = "remote"
	BackendLocal  Backend = "local"
)

// Policy decides which backend answers first.
type Policy struct {
	remoteModes map[persona.Mode]bool
}

// NewPolicy routes the given modes to the remote backend.
func NewPolicy(remoteModes []persona.Mode) Policy {
	p := Policy{remoteModes: make(map[persona.Mode]bool, len(remoteModes))}
	for _, m := range remoteModes {
		p.remoteModes[m] = true
	}
	return p
}

// DefaultPolicy routes the modes whose persona prefers the remote backend.
func DefaultPolicy() Policy {
	var modes []persona.Mode
	for _, m := range persona.Modes {
		if persona.Lookup(m).PrefersRemote {
			modes = append(modes, m)
		}
	}
	return NewPolicy(modes)
}

// PrefersRemote reports whether text-only requests in m go remote.
func (p Policy) PrefersRemote(m persona.Mode) bool {
	return p.remoteModes[m]
}

// Select returns remote when it is configured and either the mode prefers
// it or the request carries an image, which only the remote backend sees.
func (p Policy) Select(spec persona.PromptSpec, remoteConfigured bool) Backend {
	if remoteConfigured && (p.remoteModes[spec.Mode] || spec.HasImage()) {
		return BackendRemote
	}
	return BackendLocal
}
