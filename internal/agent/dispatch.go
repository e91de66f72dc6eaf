package agent

import (
	"regexp"
	"sort"
	"strings"

	"github.com/crewgate/crewgate/internal/rooms"
)

// DispatchTarget says how a message fans out across bots.
type DispatchTarget string

const (
	TargetDirectBot   DispatchTarget = "direct_bot"
	TargetMultiBot    DispatchTarget = "multi_bot"
	TargetCrewContext DispatchTarget = "crew_context"
	TargetLeaderFirst DispatchTarget = "leader_first"
)

// DispatchResult is the routing decision for one inbound message.
type DispatchResult struct {
	Target        DispatchTarget
	PrimaryBot    string
	SecondaryBots []string
	Reason        string
}

// Dispatcher decides which bots answer a message based on mentions and room
// membership.
type Dispatcher struct {
	leader   string
	keywords map[string][]string // bot → expertise keywords
}

func NewDispatcher(leader string, keywords map[string][]string) *Dispatcher {
	return &Dispatcher{leader: leader, keywords: keywords}
}

var mentionPattern = regexp.MustCompile(`@([a-zA-Z][a-zA-Z0-9_-]*)`)

// ExtractMentions returns lowercase mention names in order of appearance,
// deduplicated.
func ExtractMentions(text string) []string {
	matches := mentionPattern.FindAllStringSubmatch(text, -1)
	seen := make(map[string]bool)
	var out []string
	for _, m := range matches {
		name := strings.ToLower(m[1])
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// Dispatch applies the decision rules in order: DM, @all, @team, single
// mention, multiple mentions, then leader-first default.
func (d *Dispatcher) Dispatch(text string, room *rooms.Room, isDM bool, dmTarget string) DispatchResult {
	participants := room.Participants

	if isDM {
		return DispatchResult{
			Target:     TargetDirectBot,
			PrimaryBot: dmTarget,
			Reason:     "direct message",
		}
	}

	mentions := ExtractMentions(text)
	var botMentions []string
	hasAll, hasTeam := false, false
	for _, m := range mentions {
		switch m {
		case "all", "everyone":
			hasAll = true
		case "team", "crew":
			hasTeam = true
		default:
			if containsBot(participants, m) {
				botMentions = append(botMentions, m)
			}
		}
	}

	if hasAll {
		return DispatchResult{
			Target:        TargetMultiBot,
			PrimaryBot:    d.leader,
			SecondaryBots: withoutBot(participants, d.leader),
			Reason:        "@all mention",
		}
	}

	if hasTeam {
		secondary := d.keywordMatches(text, withoutBot(participants, d.leader))
		if len(secondary) == 0 {
			secondary = withoutBot(participants, d.leader)
			if len(secondary) > 3 {
				secondary = secondary[:3]
			}
		}
		return DispatchResult{
			Target:        TargetCrewContext,
			PrimaryBot:    d.leader,
			SecondaryBots: secondary,
			Reason:        "@team mention",
		}
	}

	switch len(botMentions) {
	case 0:
		return DispatchResult{
			Target:        TargetLeaderFirst,
			PrimaryBot:    d.leader,
			SecondaryBots: withoutBot(participants, d.leader),
			Reason:        "no mentions, leader decides",
		}
	case 1:
		return DispatchResult{
			Target:     TargetDirectBot,
			PrimaryBot: botMentions[0],
			Reason:     "single bot mention",
		}
	default:
		return DispatchResult{
			Target:        TargetMultiBot,
			PrimaryBot:    botMentions[0],
			SecondaryBots: botMentions[1:],
			Reason:        "multiple bot mentions",
		}
	}
}

// keywordMatches ranks candidate bots by how many of their expertise keywords
// appear in the text.
func (d *Dispatcher) keywordMatches(text string, candidates []string) []string {
	lower := strings.ToLower(text)
	type scored struct {
		bot   string
		score int
	}
	var hits []scored
	for _, bot := range candidates {
		score := 0
		for _, kw := range d.keywords[bot] {
			if strings.Contains(lower, strings.ToLower(kw)) {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, scored{bot, score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.bot)
	}
	return out
}

func containsBot(participants []string, name string) bool {
	for _, p := range participants {
		if strings.EqualFold(p, name) {
			return true
		}
	}
	return false
}

func withoutBot(participants []string, name string) []string {
	var out []string
	for _, p := range participants {
		if !strings.EqualFold(p, name) {
			out = append(out, p)
		}
	}
	return out
}

// --- Room-creation intent ---

// RoomIntent is a recognized "create a room for X" request.
type RoomIntent struct {
	ShouldCreate bool
	RoomName     string
	ProjectType  string
}

var roomIntentPattern = regexp.MustCompile(
	`(?i)\b(?:create|make|start|set\s+up)\s+(?:a\s+)?(?:new\s+)?(?:room|workspace|project)\s+(?:for\s+|called\s+|named\s+)?(.+)`)

var projectTypeKeywords = []struct {
	ptype    string
	keywords []string
}{
	{"web", []string{"web", "website", "frontend", "backend", "api"}},
	{"mobile", []string{"mobile", "ios", "android", "app"}},
	{"research", []string{"research", "study", "analysis", "investigate"}},
	{"audit", []string{"audit", "review", "security", "compliance"}},
	{"marketing", []string{"marketing", "campaign", "launch", "brand"}},
	{"social", []string{"social", "twitter", "instagram", "community"}},
	{"content", []string{"content", "blog", "article", "writing", "video"}},
}

// DetectRoomIntent recognizes room-creation phrasing and infers a project
// type from keywords.
func DetectRoomIntent(text string) RoomIntent {
	m := roomIntentPattern.FindStringSubmatch(text)
	if m == nil {
		return RoomIntent{}
	}
	name := strings.TrimSpace(strings.Trim(m[1], `."'!?`))
	if name == "" {
		return RoomIntent{}
	}

	lower := strings.ToLower(text)
	projectType := "general"
outer:
	for _, entry := range projectTypeKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				projectType = entry.ptype
				break outer
			}
		}
	}
	return RoomIntent{ShouldCreate: true, RoomName: name, ProjectType: projectType}
}

// SuggestBotsForProject maps a project type to its canonical starting crew.
func SuggestBotsForProject(projectType string) []string {
	switch projectType {
	case "web", "mobile":
		return []string{"leader", "coder", "analyst"}
	case "research", "audit":
		return []string{"leader", "researcher", "analyst"}
	case "marketing", "social", "content":
		return []string{"leader", "writer", "scout"}
	default:
		return []string{"leader", "researcher", "coder"}
	}
}
