package agent

import "testing"

func TestSanitizeStripsThinkingTags(t *testing.T) {
	in := "<thinking>secret plan</thinking>Here is the answer."
	if got := SanitizeAssistantContent(in); got != "Here is the answer." {
		t.Fatalf("got %q", got)
	}
}

func TestSanitizeKeepsFinalContent(t *testing.T) {
	in := "<final>The result is 42.</final>"
	if got := SanitizeAssistantContent(in); got != "The result is 42." {
		t.Fatalf("got %q", got)
	}
}

func TestSanitizeStripsToolCallText(t *testing.T) {
	in := "[Tool Call: read_file]\nArguments:\n{\"path\": \"x\"}\nDone reading."
	got := SanitizeAssistantContent(in)
	if got != "Done reading." {
		t.Fatalf("got %q", got)
	}
}

func TestSanitizeCollapsesDuplicateBlocks(t *testing.T) {
	in := "Same thing.\n\nSame thing.\n\nDifferent."
	got := SanitizeAssistantContent(in)
	if got != "Same thing.\n\nDifferent." {
		t.Fatalf("got %q", got)
	}
}

func TestIsSilentReply(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"NO_REPLY", true},
		{"NO_REPLY.", true},
		{"  NO_REPLY  ", true},
		{"ok, NO_REPLY", true},
		{"NO_REPLYING", false},
		{"I will reply", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsSilentReply(tt.text); got != tt.want {
			t.Errorf("IsSilentReply(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}
