package sanitize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClean(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		prompt string
		labels []string
		want   string
	}{
		{
			name:   "echo and next turn removed",
			raw:    "Instruction: ...\nAlice: hi\nBoyfriend: I love you, Alice: ",
			prompt: "Instruction: ...\nAlice: hi\nBoyfriend:",
			labels: []string{"Alice:", "User:"},
			want:   "I love you,",
		},
		{
			name: "underline runs and tags",
			raw:  "____cool____<<tag>>done",
			want: "cooldone",
		},
		{
			name: "stray underscores and stars",
			raw:  "_so_ **wow** >>x>> ok _",
			want: "so wow  ok",
		},
		{
			name: "joined underscores kept",
			raw:  "Name it user_id, see https://x.io/my_page",
			want: "Name it user_id, see https://x.io/my_page",
		},
		{
			name:   "generic label",
			raw:    "haha sure User: and you?",
			labels: []string{"Sam:", "User:"},
			want:   "haha sure",
		},
		{
			name: "reasoning block",
			raw:  "<think>\nplan the joke\n</think>Your code is a crime scene.",
			want: "Your code is a crime scene.",
		},
		{
			name:   "only echo",
			raw:    "Input: x\nRoast:",
			prompt: "Input: x\nRoast:",
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Clean(tt.raw, tt.prompt, tt.labels...))
		})
	}
}

func TestClean_Idempotent(t *testing.T) {
	once := Clean("  ok__then  <<a>> ", "")
	assert.Equal(t, once, Clean(once, ""))
}
