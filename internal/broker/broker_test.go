package broker

import (
	"strings"
	"testing"

	"github.com/crewgate/crewgate/internal/bus"
	"github.com/crewgate/crewgate/internal/rooms"
)

type fakeCanceler struct {
	calls []string
	count int
}

func (f *fakeCanceler) CancelRoom(roomID string) int {
	f.calls = append(f.calls, roomID)
	return f.count
}

func newRoomManager(t *testing.T) *rooms.Manager {
	t.Helper()
	mgr, err := rooms.NewManager(t.TempDir(), "ana")
	if err != nil {
		t.Fatalf("rooms.NewManager: %v", err)
	}
	return mgr
}

func TestResolveRoomUsesMappingThenGeneral(t *testing.T) {
	roomMgr := newRoomManager(t)
	room, err := roomMgr.Create("builds", rooms.TypeProject, []string{"ana"}, true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := roomMgr.JoinChannel("telegram", "chat-1", room.ID); err != nil {
		t.Fatalf("JoinChannel: %v", err)
	}

	m := &Manager{rooms: roomMgr}

	got := m.resolveRoom(bus.MessageEnvelope{Channel: "telegram", ChatID: "chat-1"})
	if got != room.ID {
		t.Fatalf("mapped chat resolved to %q, want %q", got, room.ID)
	}

	got = m.resolveRoom(bus.MessageEnvelope{Channel: "telegram", ChatID: "chat-2"})
	if got != rooms.GeneralRoomID {
		t.Fatalf("unmapped chat resolved to %q, want %q", got, rooms.GeneralRoomID)
	}
	// Auto-join sticks: the same conversation keeps resolving to general.
	if roomID, ok := roomMgr.RoomForChannel("telegram", "chat-2"); !ok || roomID != rooms.GeneralRoomID {
		t.Fatalf("auto-join not persisted, got %q ok=%t", roomID, ok)
	}
}

func TestStopFuncReportsCounts(t *testing.T) {
	roomMgr := newRoomManager(t)
	room, err := roomMgr.Create("builds", rooms.TypeProject, []string{"ana"}, true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	task, err := roomMgr.AddTask(room.ID, "ship the release", "ana", "high", "")
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if _, err := roomMgr.UpdateTaskStatus(room.ID, task.ID, rooms.TaskInProgress); err != nil {
		t.Fatalf("UpdateTaskStatus: %v", err)
	}

	invoker := &fakeCanceler{count: 2}
	sidekicks := &fakeCanceler{count: 1}
	stop := MakeStopFunc(StopRoomDeps{Invoker: invoker, Sidekicks: sidekicks, Rooms: roomMgr})

	out := stop(room.ID)
	if !strings.Contains(out, "2 invocation(s)") || !strings.Contains(out, "1 sidekick task(s)") || !strings.Contains(out, "1 task(s) marked blocked") {
		t.Fatalf("unexpected stop report: %q", out)
	}
	if len(invoker.calls) != 1 || invoker.calls[0] != room.ID {
		t.Fatalf("invoker not cancelled for room: %+v", invoker.calls)
	}

	tasks, err := roomMgr.Tasks(room.ID)
	if err != nil {
		t.Fatalf("Tasks: %v", err)
	}
	if tasks[0].Status != rooms.TaskBlocked {
		t.Fatalf("task status = %s, want blocked", tasks[0].Status)
	}
}

func TestStopFuncWithNoDeps(t *testing.T) {
	stop := MakeStopFunc(StopRoomDeps{})
	out := stop("r-1")
	if !strings.Contains(out, "0 invocation(s)") {
		t.Fatalf("unexpected report: %q", out)
	}
}
