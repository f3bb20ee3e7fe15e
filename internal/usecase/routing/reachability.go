package routing

import "agentdock/internal/domain"

// Reachability is the closed set of delivery decisions for one target.
// It is produced by ResolveReachability and consumed by a type switch.
type Reachability interface {
	reachability()
}

// Skip means the agent must not receive messages.
type Skip struct {
	Status domain.AgentStatus
}

// BoundProcess means the agent is served by a connected worker process.
type BoundProcess struct {
	RuntimeID string
	Handle    string
}

// ProcessOffline means the agent is bound to a worker process that is not
// connected. Nothing else may be tried.
type ProcessOffline struct {
	RuntimeID string
}

// Callback means the agent runs in a container listening at Target.
type Callback struct {
	Target domain.CallbackTarget
}

// Unreachable means nothing is running; compute must be started.
type Unreachable struct {
	// Unlisted is set when the agent has no roster entry at all.
	Unlisted bool
}

func (Skip) reachability()           {}
func (BoundProcess) reachability()   {}
func (ProcessOffline) reachability() {}
func (Callback) reachability()       {}
func (Unreachable) reachability()    {}

// ResolveReachability decides how to reach an agent from its roster entry
// and, when the entry is bound to a worker process, that process's record.
// A bound process takes precedence over a callback address.
func ResolveReachability(entry *domain.RosterEntry, rt *domain.RuntimeRecord) Reachability {
	switch {
	case entry == nil:
		return Unreachable{Unlisted: true}
	case !entry.Status.Routable():
		return Skip{Status: entry.Status}
	case entry.RuntimeID != "":
		if !rt.Reachable() || rt.ID != entry.RuntimeID {
			return ProcessOffline{RuntimeID: entry.RuntimeID}
		}
		return BoundProcess{RuntimeID: rt.ID, Handle: rt.ConnectionHandle}
	case entry.CallbackURL != "":
		return Callback{Target: domain.CallbackTarget{Address: entry.CallbackURL, TunnelID: entry.TunnelID}}
	default:
		return Unreachable{}
	}
}
