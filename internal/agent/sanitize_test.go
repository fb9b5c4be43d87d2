package agent

import "testing"

func TestSanitizeAssistantContent(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain text untouched", "Hello there.", "Hello there."},
		{"empty", "", ""},
		{"whitespace trimmed", "  spaced out  \n", "spaced out"},
		{"think tags stripped", "<think>let me ponder</think>The answer is 4.", "The answer is 4."},
		{"final wrapper stripped", "<final>Deployment complete.</final>", "Deployment complete."},
		{"final wrapper with spacing and case", "< FINAL >ok</ final >", "ok"},
		{
			"downgraded tool call block removed",
			"Here's what I found.\n[Tool Call: exec]\nArguments: {\"command\": \"ls\"}\n{\n}\n\nThe directory is empty.",
			"Here's what I found.\nThe directory is empty.",
		},
		{
			"downgraded tool result removed",
			"[Tool Result for exec]\n\nAll done.",
			"All done.",
		},
		{
			"echoed system message removed",
			"[System Message] You are in plan mode\nwith more injected context\n\nReal reply.",
			"Real reply.",
		},
		{"duplicate paragraph collapsed", "Same answer.\n\nSame answer.", "Same answer."},
		{"duplicate with padding collapsed", "A\n\n  A  \n\nB", "A\n\nB"},
		{"distinct paragraphs kept", "First.\n\nSecond.", "First.\n\nSecond."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeAssistantContent(tt.in); got != tt.want {
				t.Errorf("SanitizeAssistantContent(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitizeDropsGarbledToolXML(t *testing.T) {
	// Any of these markers means the model downgraded tool calls into text;
	// the whole reply is parameter soup and gets dropped.
	inputs := []string{
		"Let me run that <tool_call>exec</tool_call> for you",
		"calling <TOOL_USE> now",
		`setting <parameter name="command">ls</parameter>`,
		"invfunction_calls follows",
		"prefix <minimax:tool_call> suffix",
		"<function_call name=\"exec\">",
	}
	for _, in := range inputs {
		if got := SanitizeAssistantContent(in); got != "" {
			t.Errorf("SanitizeAssistantContent(%q) = %q, want empty", in, got)
		}
	}
}

func TestIsSilentReply(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"NO_REPLY", true},
		{"  NO_REPLY  ", true},
		{"NO_REPLY.", true},
		{"NO_REPLY - nothing needed", true},
		{"Sure. NO_REPLY", true},
		{"NO_REPLYING", false},
		{"ANO_REPLY", false},
		{"no_reply", false},
		{"Send NO_REPLY to skip a turn", false},
		{"I will reply", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsSilentReply(tt.in); got != tt.want {
			t.Errorf("IsSilentReply(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
