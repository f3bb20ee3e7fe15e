// Package prompt assembles the standing instructions an agent instance
// receives for a turn.
package prompt

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"agentdock/internal/domain"
	"agentdock/internal/infra/logger"
	"agentdock/internal/usecase/document"
)

// Section headings, in the order they appear. Consumers may rely on this
// order when truncating.
const (
	HeadingChannel  = "## Channel"
	HeadingFocus    = "## Special Instructions"
	HeadingRole     = "## Your Role"
	HeadingTeam     = "## Team"
	HeadingPlatform = "## Working Here"
)

const fallbackOperator = "the channel operator"

const platformInstructions = `- Address teammates with @callsign; a mention delivers your message to them.
- Reply in the channel unless asked to work silently. Keep replies short and concrete.
- Shared files live in the channel workspace. Read before you overwrite, and say what you changed.
- Use the platform tools to look up the roster or channel details instead of guessing.`

// Inputs is everything Compose needs. Role may be nil.
type Inputs struct {
	Channel  domain.Channel
	Focus    string
	Role     *document.Role
	Callsign string
	Operator string
	Roster   []domain.RosterEntry
}

// Compose renders the sections in fixed order: channel, focus (only when
// set), role or a generic fallback, team, platform instructions.
func Compose(in Inputs) string {
	var sb strings.Builder

	sb.WriteString(HeadingChannel + "\n")
	fmt.Fprintf(&sb, "You are working in #%s.", cmp.Or(in.Channel.Name, in.Channel.ID))
	if in.Channel.Tagline != "" {
		fmt.Fprintf(&sb, " %s", in.Channel.Tagline)
	}
	sb.WriteString("\n")
	if in.Channel.Mission != "" {
		fmt.Fprintf(&sb, "Mission: %s\n", in.Channel.Mission)
	}

	if focus := strings.TrimSpace(in.Focus); focus != "" {
		sb.WriteString("\n" + HeadingFocus + "\n" + focus + "\n")
	}

	sb.WriteString("\n" + HeadingRole + "\n")
	switch {
	case in.Role != nil && in.Role.Title != "":
		fmt.Fprintf(&sb, "You are @%s, %s.\n", in.Callsign, in.Role.Title)
		if in.Role.Body != "" {
			sb.WriteString(in.Role.Body + "\n")
		}
	case in.Role != nil && in.Role.Body != "":
		fmt.Fprintf(&sb, "You are @%s.\n%s\n", in.Callsign, in.Role.Body)
	default:
		fmt.Fprintf(&sb, "You are @%s, an AI teammate in this channel. Help the team reach its mission.\n", in.Callsign)
	}

	sb.WriteString("\n" + HeadingTeam + "\n")
	fmt.Fprintf(&sb, "- %s (human, operator)\n", cmp.Or(in.Operator, fallbackOperator))
	for _, e := range in.Roster {
		if e.Status == domain.AgentArchived {
			continue
		}
		fmt.Fprintf(&sb, "- @%s (%s)", e.Callsign, cmp.Or(e.AgentType, "agent"))
		if e.Callsign == in.Callsign {
			sb.WriteString(" (you)")
		}
		if e.Status == domain.AgentPaused {
			sb.WriteString(" (paused)")
		}
		sb.WriteString("\n")
	}

	sb.WriteString("\n" + HeadingPlatform + "\n" + platformInstructions + "\n")
	return sb.String()
}

// Builder gathers Inputs from storage. Every lookup is best-effort: a failed
// piece falls back and Build always returns text.
type Builder struct {
	channels domain.ChannelStore
	roster   domain.RosterStore
	locator  *document.Locator
	logger   *slog.Logger
}

// NewBuilder creates a Builder.
func NewBuilder(channels domain.ChannelStore, roster domain.RosterStore, locator *document.Locator, log *slog.Logger) *Builder {
	return &Builder{channels: channels, roster: roster, locator: locator, logger: logger.OrDiscard(log)}
}

// Build returns the standing instructions for callsign in ch. roleSlug
// names the role definition to use.
func (b *Builder) Build(ctx context.Context, ch domain.Channel, callsign, roleSlug string) string {
	in := Inputs{Channel: ch, Callsign: callsign}

	if ch.FocusSlug != "" {
		focus, err := b.locator.Focus(ctx, ch.SpaceID, ch.ID, ch.FocusSlug)
		if err != nil {
			b.logger.Warn("focus overlay unavailable", "channel_id", ch.ID, "focus", ch.FocusSlug, "error", err)
		}
		in.Focus = focus
	}

	if found, err := b.locator.FindRole(ctx, ch.SpaceID, ch.ID, roleSlug); err == nil {
		in.Role = found.Role
	} else {
		b.logger.Debug("role definition unavailable, using fallback", "role", roleSlug, "error", err)
	}

	if ch.OperatorID != "" {
		if op, err := b.channels.GetOperator(ctx, ch.OperatorID); err == nil {
			in.Operator = op.DisplayName
		} else {
			b.logger.Warn("operator unavailable", "channel_id", ch.ID, "error", err)
		}
	}

	roster, err := b.roster.ListRoster(ctx, ch.ID)
	if err != nil {
		b.logger.Warn("roster unavailable", "channel_id", ch.ID, "error", err)
	}
	in.Roster = roster

	return Compose(in)
}
