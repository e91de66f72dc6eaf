package agent

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"

	"github.com/crewgate/crewgate/internal/bus"
	"github.com/crewgate/crewgate/internal/identity"
	"github.com/crewgate/crewgate/internal/providers"
	"github.com/crewgate/crewgate/internal/rooms"
	"github.com/crewgate/crewgate/internal/sessions"
)

const (
	multiBotMaxTokens    = 1024
	crossRefProbability  = 0.4
	multiBotHistoryTurns = 6
	errorPlaceholder     = "(could not respond right now)"
)

// MultiBot fans one user message out to several bots in parallel and formats
// their answers as one labeled reply.
type MultiBot struct {
	loop *Loop
	rand *rand.Rand
	mu   sync.Mutex
}

func NewMultiBot(loop *Loop) *MultiBot {
	return &MultiBot{loop: loop, rand: rand.New(rand.NewSource(rand.Int63()))}
}

// Generate runs the fan-out and persists exactly one (user, assistant) pair
// to the room session so the next turn sees the combined exchange.
func (m *MultiBot) Generate(ctx context.Context, env bus.MessageEnvelope, room *rooms.Room, decision DispatchResult) (string, error) {
	sessionKey := sessions.RoomKey(room.ID)
	content := m.loop.prepareInbound(env.Content, sessionKey)

	respondents := append([]string{decision.PrimaryBot}, decision.SecondaryBots...)

	var memoryContext string
	if m.loop.deps.Memory != nil {
		memoryContext = m.loop.deps.Memory.AssembleContext(ctx, room.ID, decision.PrimaryBot)
	}
	history := recentHistory(m.loop.deps.Sessions.GetHistory(sessionKey), multiBotHistoryTurns)

	type botReply struct {
		idx  int
		bot  *identity.Bot
		text string
	}
	replies := make([]botReply, len(respondents))

	var wg sync.WaitGroup
	for i, name := range respondents {
		bot, ok := m.loop.deps.Bots.Bot(name)
		if !ok {
			replies[i] = botReply{idx: i, bot: nil, text: errorPlaceholder}
			continue
		}
		wg.Add(1)
		go func(idx int, bot *identity.Bot) {
			defer wg.Done()
			text, err := m.generateOne(ctx, bot, room, content, history, memoryContext)
			if err != nil {
				text = errorPlaceholder
			}
			replies[idx] = botReply{idx: idx, bot: bot, text: text}
		}(i, bot)
	}
	wg.Wait()

	team := m.loop.deps.Config.Bots.Team
	var b strings.Builder
	for i, r := range replies {
		if r.bot == nil {
			name := respondents[i]
			fmt.Fprintf(&b, "**@%s**\n%s\n\n", name, errorPlaceholder)
			continue
		}
		text := r.text
		if text != errorPlaceholder {
			text = m.maybeCrossRef(team, r.bot, respondents, text)
		}
		fmt.Fprintf(&b, "%s **@%s**\n%s\n\n", r.bot.Emoji(), r.bot.Name, strings.TrimSpace(text))
	}
	combined := strings.TrimSpace(b.String())

	m.loop.deps.Sessions.AddMessage(sessionKey, providers.Message{Role: "user", Content: content})
	m.loop.deps.Sessions.AddMessage(sessionKey, providers.Message{Role: "assistant", Content: combined})
	if err := m.loop.deps.Sessions.Save(sessionKey); err != nil {
		return combined, nil
	}
	return combined, nil
}

// generateOne builds a bot's communal-context prompt and makes a single
// bounded call, no tools.
func (m *MultiBot) generateOne(ctx context.Context, bot *identity.Bot, room *rooms.Room, content string, history []providers.Message, memoryContext string) (string, error) {
	extra := "You are answering together with other bots in a group reply. " +
		"Be terse, 2-3 sentences. Stay in character."
	if tone := m.affinityHint(bot, room); tone != "" {
		extra += " " + tone
	}

	systemPrompt := BuildSystemPrompt(PromptConfig{
		Bot:           bot,
		Room:          room,
		MemoryContext: memoryContext,
		Extra:         extra,
	})

	messages := []providers.Message{{Role: "system", Content: systemPrompt}}
	messages = append(messages, history...)
	messages = append(messages, providers.Message{Role: "user", Content: content})

	pinned := ""
	if spec, ok := m.loop.deps.Config.Bots.List[bot.Name]; ok {
		pinned = spec.Model
	}
	resp, _, err := m.loop.deps.Router.Chat(ctx, room.ID, pinned, providers.ChatRequest{
		Messages: messages,
		Options: map[string]interface{}{
			providers.OptMaxTokens:   multiBotMaxTokens,
			providers.OptTemperature: 0.8,
		},
	})
	if err != nil {
		return "", err
	}
	out := SanitizeAssistantContent(resp.Content)
	if out == "" || IsSilentReply(out) {
		return "", fmt.Errorf("empty reply")
	}
	return out, nil
}

// affinityHint turns the bot's strongest in-room relationship into a tone
// instruction. Buckets: agree >= 0.7, challenge <= 0.4, neutral otherwise.
func (m *MultiBot) affinityHint(bot *identity.Bot, room *rooms.Room) string {
	var bestName string
	var best identity.Relationship
	extremity := func(a float64) float64 {
		if a < 0.5 {
			return 0.5 - a
		}
		return a - 0.5
	}
	for _, other := range room.Participants {
		if other == bot.Name {
			continue
		}
		rel, ok := bot.Relationships[other]
		if !ok {
			continue
		}
		if bestName == "" || extremity(rel.Affinity) > extremity(best.Affinity) {
			bestName, best = other, rel
		}
	}
	switch {
	case bestName == "":
		return ""
	case best.Affinity >= 0.7:
		return fmt.Sprintf("You tend to agree with @%s.", bestName)
	case best.Affinity <= 0.4:
		return fmt.Sprintf("You tend to challenge @%s's takes.", bestName)
	default:
		return ""
	}
}

// maybeCrossRef prefixes the reply with a themed reference to another
// respondent, with fixed probability.
func (m *MultiBot) maybeCrossRef(team string, bot *identity.Bot, respondents []string, text string) string {
	others := withoutBot(respondents, bot.Name)
	if len(others) == 0 {
		return text
	}

	m.mu.Lock()
	roll := m.rand.Float64()
	pickBot := others[m.rand.Intn(len(others))]
	templates := identity.CrossRefsForTeam(team)
	template := templates[m.rand.Intn(len(templates))]
	m.mu.Unlock()

	if roll >= crossRefProbability {
		return text
	}
	return fmt.Sprintf(template, "@"+pickBot) + " " + text
}

// recentHistory keeps the last n user turns with their replies, skipping tool
// plumbing entirely.
func recentHistory(msgs []providers.Message, turns int) []providers.Message {
	var filtered []providers.Message
	for _, msg := range msgs {
		if msg.Role == "user" || (msg.Role == "assistant" && len(msg.ToolCalls) == 0 && msg.Content != "") {
			filtered = append(filtered, providers.Message{Role: msg.Role, Content: msg.Content})
		}
	}
	userCount := 0
	for i := len(filtered) - 1; i >= 0; i-- {
		if filtered[i].Role == "user" {
			userCount++
			if userCount == turns {
				return filtered[i:]
			}
		}
	}
	return filtered
}
