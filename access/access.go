// Package access decides whether a chat participant may run a command.
package access

import "strings"

// Role names as stored in channel configuration.
const (
	Viewer      = "viewer"
	VIP         = "vip"
	Moderator   = "moderator"
	Broadcaster = "broadcaster"
	Subscriber  = "subscriber"
)

// Participant is what chat tells us about the sender of a message.
type Participant struct {
	Login       string
	Broadcaster bool
	Moderator   bool
	VIP         bool
	Subscriber  bool
}

var ranks = map[string]int{
	Viewer:      0,
	VIP:         1,
	Moderator:   2,
	Broadcaster: 3,
}

// Rank returns the participant's position in the viewer < vip < moderator < broadcaster order.
func (p Participant) Rank() int {
	switch {
	case p.Broadcaster:
		return ranks[Broadcaster]
	case p.Moderator:
		return ranks[Moderator]
	case p.VIP:
		return ranks[VIP]
	default:
		return ranks[Viewer]
	}
}

// IsAllowed reports whether p satisfies any role in roles. roles is a set of
// acceptable roles, not a threshold; subscriber grants access on its own.
// Unknown role names are ignored.
func IsAllowed(p Participant, roles []string) bool {
	rank := p.Rank()
	for _, r := range roles {
		r = strings.ToLower(strings.TrimSpace(r))
		if r == Subscriber {
			if p.Subscriber {
				return true
			}
			continue
		}
		if need, ok := ranks[r]; ok && need <= rank {
			return true
		}
	}
	return false
}

// FromBadges builds a Participant from IRC badges and the mod/subscriber tag flags.
func FromBadges(login string, badges map[string]int, mod, sub bool) Participant {
	return Participant{
		Login:       strings.ToLower(login),
		Broadcaster: badges["broadcaster"] > 0,
		Moderator:   mod || badges["moderator"] > 0,
		VIP:         badges["vip"] > 0,
		Subscriber:  sub || badges["subscriber"] > 0 || badges["founder"] > 0,
	}
}
