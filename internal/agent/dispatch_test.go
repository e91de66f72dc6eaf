package agent

import (
	"reflect"
	"testing"

	"github.com/crewgate/crewgate/internal/rooms"
)

func testRoom(participants ...string) *rooms.Room {
	return &rooms.Room{
		ID:           "general",
		Name:         "General",
		Type:         rooms.TypeOpen,
		Participants: participants,
	}
}

func TestExtractMentions(t *testing.T) {
	got := ExtractMentions("hey @Coder and @scout, also @coder again")
	want := []string{"coder", "scout"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("mentions = %v, want %v", got, want)
	}
}

func TestDispatchDM(t *testing.T) {
	d := NewDispatcher("leader", nil)
	res := d.Dispatch("@all do something", testRoom("leader", "coder"), true, "coder")
	if res.Target != TargetDirectBot || res.PrimaryBot != "coder" {
		t.Fatalf("DM should ignore mentions: %+v", res)
	}
}

func TestDispatchAll(t *testing.T) {
	d := NewDispatcher("leader", nil)
	res := d.Dispatch("@all status report", testRoom("leader", "coder", "scout"), false, "")
	if res.Target != TargetMultiBot {
		t.Fatalf("target = %s, want multi_bot", res.Target)
	}
	if res.PrimaryBot != "leader" {
		t.Fatalf("primary = %s, want leader", res.PrimaryBot)
	}
	if !reflect.DeepEqual(res.SecondaryBots, []string{"coder", "scout"}) {
		t.Fatalf("secondary = %v", res.SecondaryBots)
	}
}

func TestDispatchTeamKeywordMatch(t *testing.T) {
	d := NewDispatcher("leader", map[string][]string{
		"coder": {"deploy", "bug"},
		"scout": {"news"},
	})
	res := d.Dispatch("@team we have a deploy bug", testRoom("leader", "coder", "scout"), false, "")
	if res.Target != TargetCrewContext {
		t.Fatalf("target = %s, want crew_context", res.Target)
	}
	if len(res.SecondaryBots) == 0 || res.SecondaryBots[0] != "coder" {
		t.Fatalf("keyword match should rank coder first: %v", res.SecondaryBots)
	}
}

func TestDispatchSingleMention(t *testing.T) {
	d := NewDispatcher("leader", nil)
	res := d.Dispatch("@scout what's new?", testRoom("leader", "scout"), false, "")
	if res.Target != TargetDirectBot || res.PrimaryBot != "scout" {
		t.Fatalf("unexpected: %+v", res)
	}
}

func TestDispatchMultipleMentions(t *testing.T) {
	d := NewDispatcher("leader", nil)
	res := d.Dispatch("@coder @scout pair up", testRoom("leader", "coder", "scout"), false, "")
	if res.Target != TargetMultiBot || res.PrimaryBot != "coder" {
		t.Fatalf("unexpected: %+v", res)
	}
	if !reflect.DeepEqual(res.SecondaryBots, []string{"scout"}) {
		t.Fatalf("secondary = %v", res.SecondaryBots)
	}
}

func TestDispatchDefaultLeaderFirst(t *testing.T) {
	d := NewDispatcher("leader", nil)
	res := d.Dispatch("how is it going?", testRoom("leader", "coder"), false, "")
	if res.Target != TargetLeaderFirst || res.PrimaryBot != "leader" {
		t.Fatalf("unexpected: %+v", res)
	}
}

func TestDispatchUnknownMentionFallsThrough(t *testing.T) {
	d := NewDispatcher("leader", nil)
	res := d.Dispatch("@nobody hello", testRoom("leader", "coder"), false, "")
	if res.Target != TargetLeaderFirst {
		t.Fatalf("mention of non-participant should default: %+v", res)
	}
}

func TestDetectRoomIntent(t *testing.T) {
	tests := []struct {
		text        string
		shouldMatch bool
		name        string
		projectType string
	}{
		{"create a room for the website redesign", true, "the website redesign", "web"},
		{"set up a new workspace called Apollo research", true, "Apollo research", "research"},
		{"make a project for the ad campaign", true, "the ad campaign", "marketing"},
		{"start a room for misc stuff", true, "misc stuff", "general"},
		{"what rooms exist?", false, "", ""},
	}
	for _, tt := range tests {
		got := DetectRoomIntent(tt.text)
		if got.ShouldCreate != tt.shouldMatch {
			t.Errorf("%q: ShouldCreate = %v, want %v", tt.text, got.ShouldCreate, tt.shouldMatch)
			continue
		}
		if !tt.shouldMatch {
			continue
		}
		if got.RoomName != tt.name {
			t.Errorf("%q: name = %q, want %q", tt.text, got.RoomName, tt.name)
		}
		if got.ProjectType != tt.projectType {
			t.Errorf("%q: type = %q, want %q", tt.text, got.ProjectType, tt.projectType)
		}
	}
}

func TestSuggestBotsForProject(t *testing.T) {
	if got := SuggestBotsForProject("web"); !reflect.DeepEqual(got, []string{"leader", "coder", "analyst"}) {
		t.Fatalf("web crew = %v", got)
	}
	if got := SuggestBotsForProject("unknown"); !reflect.DeepEqual(got, []string{"leader", "researcher", "coder"}) {
		t.Fatalf("default crew = %v", got)
	}
}
