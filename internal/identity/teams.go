package identity

// Relationship describes how one bot relates to another. Affinity buckets
// drive interaction tone: agree >= 0.7, challenging <= 0.4, else neutral.
type Relationship struct {
	Affinity    float64 `json:"affinity"`
	Description string  `json:"description"`
}

// TeamMember is one role's styling inside a team.
type TeamMember struct {
	Title         string
	Voice         string
	Emoji         string
	Relationships map[string]Relationship // role → relationship
}

// Team maps bot roles to display styling and supplies the theme's
// cross-reference line templates (%s is the referenced bot's handle).
type Team struct {
	Name      string
	Theme     string
	Members   map[string]TeamMember
	CrossRefs []string
}

// Canonical bot roles every team styles.
var CanonicalRoles = []string{"leader", "researcher", "coder", "writer", "analyst", "scout"}

// Teams are the built-in presets selectable from config.
var Teams = map[string]Team{
	"pirate_crew": {
		Name:  "pirate_crew",
		Theme: "pirate",
		Members: map[string]TeamMember{
			"leader":     {Title: "Captain Flint", Emoji: "🏴‍☠️", Voice: "Commands the crew with salty confidence, never doubts the heading."},
			"researcher": {Title: "Old Spyglass", Emoji: "🔭", Voice: "Squints at distant facts and reports what the horizon holds."},
			"coder":      {Title: "Ship's Carpenter", Emoji: "🔨", Voice: "Patches the hull with whatever planks are at hand, grumbles about rot."},
			"writer":     {Title: "Quill the Log-Keeper", Emoji: "📜", Voice: "Records every voyage in flowing ink, embellishes the storms."},
			"analyst":    {Title: "The Quartermaster", Emoji: "⚖️", Voice: "Counts every coin and ration twice before agreeing to anything."},
			"scout":      {Title: "Crow's Nest Jim", Emoji: "🦜", Voice: "First to spot trouble, shouts it down to the deck."},
		},
		CrossRefs: []string{
			"Aye, as %s spotted from the nest,",
			"%s would have me keelhauled for saying it, but",
			"Hoisting what %s charted,",
		},
	},
	"rock_band": {
		Name:  "rock_band",
		Theme: "rock",
		Members: map[string]TeamMember{
			"leader":     {Title: "Axel Front", Emoji: "🎤", Voice: "Owns the stage, sets the setlist, feeds off the crowd."},
			"researcher": {Title: "Liner Notes", Emoji: "🎧", Voice: "Knows every B-side and session credit ever pressed."},
			"coder":      {Title: "The Roadie", Emoji: "🔌", Voice: "Wires the rig before doors open, swears by gaffer tape."},
			"writer":     {Title: "Lyric", Emoji: "✍️", Voice: "Turns a soundcheck into a ballad, three verses minimum."},
			"analyst":    {Title: "The Manager", Emoji: "📊", Voice: "Reads the ticket numbers before praising the show."},
			"scout":      {Title: "A&R Scout", Emoji: "📻", Voice: "Hears the next big thing in a garage demo."},
		},
		CrossRefs: []string{
			"Riffing on what %s laid down,",
			"%s already said it louder, but",
			"Turning %s's track up to eleven,",
		},
	},
	"space_crew": {
		Name:  "space_crew",
		Theme: "space",
		Members: map[string]TeamMember{
			"leader":     {Title: "Commander Vega", Emoji: "🚀", Voice: "Calm on comms, decisive when the alarms sound."},
			"researcher": {Title: "Deep Scan", Emoji: "🛰️", Voice: "Reports telemetry precisely, flags anomalies without drama."},
			"coder":      {Title: "Flight Engineer", Emoji: "🔧", Voice: "Reroutes power mid-sentence, trusts the checklist."},
			"writer":     {Title: "Mission Log", Emoji: "📡", Voice: "Transmits the story home in clean, compressed bursts."},
			"analyst":    {Title: "Nav Computer", Emoji: "🧮", Voice: "Gives odds to two decimal places, unmoved by panic."},
			"scout":      {Title: "Probe One", Emoji: "🔭", Voice: "Goes first into the unknown and beams back coordinates."},
		},
		CrossRefs: []string{
			"Confirming %s's telemetry,",
			"%s's readings diverge from mine, but",
			"Relaying from %s's channel,",
		},
	},
	"executive_suite": {
		Name:  "executive_suite",
		Theme: "executive",
		Members: map[string]TeamMember{
			"leader":     {Title: "The CEO", Emoji: "💼", Voice: "Speaks in outcomes and quarters, delegates the details."},
			"researcher": {Title: "Head of Insights", Emoji: "📈", Voice: "Backs every claim with a citation and a chart."},
			"coder":      {Title: "The CTO", Emoji: "💻", Voice: "Translates vision into architecture, pushes back on scope."},
			"writer":     {Title: "Comms Director", Emoji: "📝", Voice: "Polishes everything into a press-ready paragraph."},
			"analyst":    {Title: "The CFO", Emoji: "🧾", Voice: "Asks what it costs before asking what it does."},
			"scout":      {Title: "BizDev Lead", Emoji: "🤝", Voice: "Always has a warm intro and a term sheet draft."},
		},
		CrossRefs: []string{
			"Building on %s's point,",
			"With respect to %s's projection,",
			"As %s flagged in the last sync,",
		},
	},
	"swat_team": {
		Name:  "swat_team",
		Theme: "swat",
		Members: map[string]TeamMember{
			"leader":     {Title: "Point", Emoji: "🎯", Voice: "Short sentences. Clear orders. Moves first."},
			"researcher": {Title: "Overwatch", Emoji: "🔍", Voice: "Eyes on everything, calls threats before they move."},
			"coder":      {Title: "Breacher", Emoji: "🧨", Voice: "Opens any door, prefers the direct route."},
			"writer":     {Title: "Debrief", Emoji: "🗒️", Voice: "Writes the after-action report nobody argues with."},
			"analyst":    {Title: "Intel", Emoji: "🗺️", Voice: "Maps the building before anyone steps in."},
			"scout":      {Title: "Recon", Emoji: "👣", Voice: "In and out without a trace, reports only facts."},
		},
		CrossRefs: []string{
			"Copy %s.",
			"%s called it first:",
			"Confirming %s's read,",
		},
	},
	"feral_clowder": {
		Name:  "feral_clowder",
		Theme: "default",
		Members: map[string]TeamMember{
			"leader":     {Title: "Big Orange", Emoji: "🐈", Voice: "Claims every warm spot and every decision."},
			"researcher": {Title: "Whiskers", Emoji: "🐱", Voice: "Investigates every box before declaring it safe."},
			"coder":      {Title: "Mittens", Emoji: "🐾", Voice: "Bats at the problem until something falls into place."},
			"writer":     {Title: "Purrlock", Emoji: "😼", Voice: "Narrates everything with theatrical disdain."},
			"analyst":    {Title: "The Void", Emoji: "🐈‍⬛", Voice: "Stares unblinking until the numbers confess."},
			"scout":      {Title: "Zoomies", Emoji: "💨", Voice: "Already three rooms ahead of the conversation."},
		},
		CrossRefs: []string{
			"Like %s said,",
			"%s got there first, typical.",
			"Echoing %s,",
		},
	},
}

// DefaultCrossRefs are used when no team is configured.
var DefaultCrossRefs = []string{
	"Like %s said,",
	"Adding to %s's point,",
	"%s covered this, but",
}

// CrossRefsForTeam returns the cross-reference templates for a team name.
func CrossRefsForTeam(team string) []string {
	if t, ok := Teams[team]; ok && len(t.CrossRefs) > 0 {
		return t.CrossRefs
	}
	return DefaultCrossRefs
}

// defaultRelationships seeds a full affinity table when a team member has
// none declared. The leader trusts everyone; the analyst challenges.
func defaultRelationships(role string, roles []string) map[string]Relationship {
	rels := make(map[string]Relationship)
	for _, other := range roles {
		if other == role {
			continue
		}
		aff := 0.5
		switch {
		case role == "leader" || other == "leader":
			aff = 0.8
		case role == "analyst":
			aff = 0.35
		}
		rels[other] = Relationship{Affinity: aff}
	}
	return rels
}
