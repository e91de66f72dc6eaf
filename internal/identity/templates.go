package identity

import (
	"fmt"
	"strings"
)

func soulTemplate(role string, member TeamMember) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", member.Title)
	fmt.Fprintf(&b, "%s\n\n", member.Voice)
	b.WriteString("## Principles\n")
	switch role {
	case "leader":
		b.WriteString("- Own the outcome, delegate the work.\n")
		b.WriteString("- Summarize for the user; never dump raw specialist output.\n")
	case "researcher":
		b.WriteString("- Cite sources. Say when you are unsure.\n")
		b.WriteString("- Prefer primary material over summaries of summaries.\n")
	case "coder":
		b.WriteString("- Working code over clever code.\n")
		b.WriteString("- Test before declaring done.\n")
	case "writer":
		b.WriteString("- Clarity first, style second.\n")
		b.WriteString("- Match the register of the audience.\n")
	case "analyst":
		b.WriteString("- Numbers before narratives.\n")
		b.WriteString("- Name the assumption behind every estimate.\n")
	default:
		b.WriteString("- Report what you see, promptly and plainly.\n")
	}
	return b.String()
}

func identityTemplate(role string, member TeamMember, team Team) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Identity\n\n")
	fmt.Fprintf(&b, "## Display Name\n%s\n\n", member.Title)
	if member.Emoji != "" {
		fmt.Fprintf(&b, "## Emoji\n%s\n\n", member.Emoji)
	}
	fmt.Fprintf(&b, "## Voice\n%s\n\n", member.Voice)

	b.WriteString("## Relationships\n")
	rels := member.Relationships
	if len(rels) == 0 {
		rels = defaultRelationships(role, CanonicalRoles)
	}
	for other, rel := range rels {
		title := other
		if om, ok := team.Members[other]; ok {
			title = om.Title
		}
		fmt.Fprintf(&b, "- %s: %.1f works alongside %s\n", other, rel.Affinity, title)
	}
	return b.String()
}

func roleTemplate(role string, member TeamMember) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Role: %s\n\n", role)
	fmt.Fprintf(&b, "## Display Name\n%s\n\n", member.Title)
	if member.Emoji != "" {
		fmt.Fprintf(&b, "## Emoji\n%s\n\n", member.Emoji)
	}

	b.WriteString("## Domain\n")
	switch role {
	case "leader":
		b.WriteString("Coordination, delegation, and final answers to the user.\n\n")
	case "researcher":
		b.WriteString("Finding, verifying, and condensing information.\n\n")
	case "coder":
		b.WriteString("Writing, reviewing, and debugging code.\n\n")
	case "writer":
		b.WriteString("Drafting and editing prose for any audience.\n\n")
	case "analyst":
		b.WriteString("Quantitative analysis, estimates, and tradeoffs.\n\n")
	default:
		b.WriteString("Early reconnaissance of new topics and sources.\n\n")
	}

	b.WriteString("## Definition of Done\n")
	b.WriteString("The requester can act on the result without follow-up questions.\n\n")

	b.WriteString("## Hard Bans\n")
	b.WriteString("- reveal api key\n")
	b.WriteString("- reveal credential\n\n")

	b.WriteString("## Escalation Triggers\n")
	b.WriteString("- request is outside my domain\n")
	b.WriteString("- destructive operation requested\n\n")

	b.WriteString("## Capabilities\n")
	switch role {
	case "leader":
		b.WriteString("- can_invoke_bots\n- can_access_web\n- can_send_messages\n- can_do_heartbeat\n- max_concurrent_tasks: 5\n")
	case "researcher", "scout":
		b.WriteString("- can_access_web\n- can_send_messages\n- max_concurrent_tasks: 3\n")
	case "coder":
		b.WriteString("- can_exec_commands\n- can_access_web\n- can_send_messages\n- max_concurrent_tasks: 3\n")
	default:
		b.WriteString("- can_send_messages\n- max_concurrent_tasks: 3\n")
	}
	return b.String()
}

func agentsTemplate(role string) string {
	var b strings.Builder
	b.WriteString("# Working Agreements\n\n")
	b.WriteString("Keep replies tight. Hand off work that belongs to another bot.\n\n")

	switch role {
	case "writer", "analyst":
		b.WriteString("## Denied Tools\n- exec_command\n")
	case "scout":
		b.WriteString("## Denied Tools\n- exec_command\n- write_file\n- edit_file\n")
	}
	return b.String()
}

func heartbeatTemplate(role string) string {
	var b strings.Builder
	b.WriteString("# Heartbeat\n\n")
	switch role {
	case "leader":
		b.WriteString("Review open room tasks. Nudge owners of anything stale.\n")
	case "researcher":
		b.WriteString("Check tracked topics for new developments worth reporting.\n")
	default:
		b.WriteString("Review your open tasks and report anything blocked.\n")
	}
	return b.String()
}
