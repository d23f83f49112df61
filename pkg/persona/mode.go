// Package persona turns a mode and user profile into the prompts each
// backend expects.
package persona

import "strings"

// Mode is the requested persona category.
type Mode string

const (
	Roast        Mode = "roast"
	Relationship Mode = "relationship"
	Friend       Mode = "friend"
	Therapy      Mode = "therapy"
	Smart        Mode = "smart"
)

// FallbackMode is used for unrecognized mode names.
const FallbackMode = Smart

// Modes lists every mode in display order.
var Modes = []Mode{Roast, Relationship, Friend, Therapy, Smart}

// ParseMode resolves a client-supplied mode name. Empty input yields def,
// unknown input yields FallbackMode.
func ParseMode(s string, def Mode) Mode {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		if _, ok := specs[def]; ok {
			return def
		}
		return FallbackMode
	}
	if _, ok := specs[Mode(s)]; ok {
		return Mode(s)
	}
	return FallbackMode
}

// Slot names a locally hosted model. Several modes can share a slot.
type Slot string

const (
	SlotRoast        Slot = "roast"
	SlotRelationship Slot = "relationship"
	SlotFriend       Slot = "friend"
)

// Spec is everything mode-specific, looked up once per request.
type Spec struct {
	Mode Mode

	// Slot is the local model that serves this mode.
	Slot Slot

	// PrefersRemote is the default routing choice for text-only requests.
	PrefersRemote bool

	system func(v view) string
	local  func(v view) string
}

// view is the per-request data the templates read.
type view struct {
	name     string
	text     string
	persona  Persona
	advice   string
	hasImage bool
}

var specs = map[Mode]Spec{
	Roast: {
		Mode:   Roast,
		Slot:   SlotRoast,
		system: roastSystem,
		local: func(v view) string {
			return "Input: " + v.text + "\nRoast:"
		},
	},
	Relationship: {
		Mode:          Relationship,
		Slot:          SlotRelationship,
		PrefersRemote: true,
		system:        relationshipSystem,
		local:         relationshipLocal,
	},
	Friend: {
		Mode:          Friend,
		Slot:          SlotFriend,
		PrefersRemote: true,
		system:        friendSystem,
		local:         bestieLocal,
	},
	Therapy: {
		Mode:   Therapy,
		Slot:   SlotFriend,
		system: therapySystem,
		local: func(v view) string {
			return "User: " + v.text + "\nTherapist:"
		},
	},
	Smart: {
		Mode:          Smart,
		Slot:          SlotFriend,
		PrefersRemote: true,
		system:        smartSystem,
		local:         bestieLocal,
	},
}

// Lookup returns the spec for m, or the fallback mode's spec.
func Lookup(m Mode) Spec {
	if s, ok := specs[m]; ok {
		return s
	}
	return specs[FallbackMode]
}
