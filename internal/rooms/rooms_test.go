package rooms

import (
	"testing"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), "ana")
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestGeneralRoomAlwaysExists(t *testing.T) {
	m := newManager(t)
	r, ok := m.Get(GeneralRoomID)
	if !ok {
		t.Fatal("general room missing after init")
	}
	if !r.HasParticipant("ana") {
		t.Fatal("leader not in general room")
	}
}

func TestDMRoomIDSymmetric(t *testing.T) {
	if GenerateDMRoomID("ana", "bob") != GenerateDMRoomID("bob", "ana") {
		t.Fatal("DM room id depends on argument order")
	}

	m := newManager(t)
	r1, err := m.GetOrCreateDM("ana", "bob")
	if err != nil {
		t.Fatalf("GetOrCreateDM: %v", err)
	}
	r2, err := m.GetOrCreateDM("bob", "ana")
	if err != nil {
		t.Fatalf("GetOrCreateDM reversed: %v", err)
	}
	if r1.ID != r2.ID {
		t.Fatalf("DM rooms differ: %s vs %s", r1.ID, r2.ID)
	}
}

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"Project Apollo":   "project-apollo",
		"  weird -- name ": "weird-name",
		"ALLCAPS123":       "allcaps123",
	}
	for in, want := range cases {
		if got := Slugify(in); got != want {
			t.Errorf("Slugify(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestChannelMappingPersists(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, "ana")
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	room, err := m.Create("builds", TypeProject, []string{"ana"}, true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.JoinChannel("telegram", "chat-1", room.ID); err != nil {
		t.Fatalf("JoinChannel: %v", err)
	}

	reloaded, err := NewManager(dir, "ana")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got, ok := reloaded.RoomForChannel("telegram", "chat-1"); !ok || got != room.ID {
		t.Fatalf("mapping lost across restart: %q ok=%t", got, ok)
	}

	if err := reloaded.LeaveChannel("telegram", "chat-1"); err != nil {
		t.Fatalf("LeaveChannel: %v", err)
	}
	if _, ok := reloaded.RoomForChannel("telegram", "chat-1"); ok {
		t.Fatal("mapping survives leave")
	}
}

func TestInviteAndRemoveBot(t *testing.T) {
	m := newManager(t)
	room, err := m.Create("builds", TypeProject, []string{"ana"}, true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := m.InviteBot(room.ID, "bob"); err != nil {
		t.Fatalf("InviteBot: %v", err)
	}
	if err := m.InviteBot(room.ID, "bob"); err != nil {
		t.Errorf("repeat invite should be a no-op: %v", err)
	}
	r, _ := m.Get(room.ID)
	if !r.HasParticipant("bob") {
		t.Fatal("bob not added")
	}

	if err := m.RemoveBot(room.ID, "bob"); err != nil {
		t.Fatalf("RemoveBot: %v", err)
	}
	r, _ = m.Get(room.ID)
	if r.HasParticipant("bob") {
		t.Fatal("bob not removed")
	}
}

func TestAssignTaskRecordsHandoff(t *testing.T) {
	m := newManager(t)
	room, err := m.Create("builds", TypeProject, []string{"ana", "bob"}, true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	task, err := m.AddTask(room.ID, "ship the release", "ana", "high", "")
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	updated, err := m.AssignTask(room.ID, task.ID, "bob", "ana is out this week")
	if err != nil {
		t.Fatalf("AssignTask: %v", err)
	}
	if updated.Owner != "bob" {
		t.Fatalf("owner = %q", updated.Owner)
	}
	if len(updated.Handoffs) != 1 {
		t.Fatalf("handoffs = %d, want 1", len(updated.Handoffs))
	}
	h := updated.Handoffs[0]
	if h.From != "ana" || h.To != "bob" || h.Reason == "" {
		t.Fatalf("handoff = %+v", h)
	}

	// Reassigning to the current owner records nothing.
	same, err := m.AssignTask(room.ID, task.ID, "bob", "noop")
	if err != nil {
		t.Fatalf("AssignTask noop: %v", err)
	}
	if len(same.Handoffs) != 1 {
		t.Fatalf("noop reassignment appended a handoff: %d", len(same.Handoffs))
	}
}

func TestTaskPrefixLookup(t *testing.T) {
	m := newManager(t)
	room, _ := m.Create("builds", TypeProject, []string{"ana"}, true)
	task, err := m.AddTask(room.ID, "ship it", "ana", "normal", "")
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	got, err := m.UpdateTaskStatus(room.ID, task.ID[:8], TaskInProgress)
	if err != nil {
		t.Fatalf("prefix lookup: %v", err)
	}
	if got.Status != TaskInProgress {
		t.Fatalf("status = %s", got.Status)
	}
}
