package sessions

import (
	"fmt"
	"strings"
)

// Session keys are namespaced by kind:
//
//	room:{roomID}              shared history for one room
//	routine:{botID}:{routineID} isolated history for a scheduled run
//	invoke:{invocationID}      isolated history for a bot-to-bot task
func RoomKey(roomID string) string {
	return "room:" + roomID
}

func RoutineKey(botID, routineID string) string {
	return fmt.Sprintf("routine:%s:%s", botID, routineID)
}

func InvokeKey(invocationID string) string {
	return "invoke:" + invocationID
}

// RoomIDFromKey extracts the room ID from a room session key.
func RoomIDFromKey(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, "room:")
	if !ok || rest == "" {
		return "", false
	}
	return rest, true
}

// IsRoomKey reports whether key addresses shared room history.
func IsRoomKey(key string) bool {
	return strings.HasPrefix(key, "room:")
}

// EstimateTokens approximates the token count of text. Four characters per
// token tracks close enough for budget decisions across the models we use.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
