package router

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/linkerlin/groupclaw/internal/types"
)

func TestFormatMessages(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	got := FormatMessages([]types.Message{
		{SenderName: "Bob", Content: "hi", Timestamp: ts},
		{SenderName: `A "quoted" <name>`, Content: "1 < 2 & 3 > 2", Timestamp: ts.Add(time.Minute)},
	})

	want := "<messages>\n" +
		`<message sender="Bob" time="2026-03-01T10:30:00Z">hi</message>` + "\n" +
		`<message sender="A &quot;quoted&quot; &lt;name&gt;" time="2026-03-01T10:31:00Z">1 &lt; 2 &amp; 3 &gt; 2</message>` + "\n" +
		"</messages>"
	assert.Equal(t, want, got)
}

func TestFormatMessages_Empty(t *testing.T) {
	assert.Equal(t, "<messages>\n</messages>", FormatMessages(nil))
}

func TestFormatOutbound(t *testing.T) {
	assert.Equal(t, "Andy: done", FormatOutbound("Andy", "  done\n"))
}

func TestHasTrigger(t *testing.T) {
	pattern := regexp.MustCompile(`(?i)^@Andy\b`)
	tests := []struct {
		name    string
		content []string
		want    bool
	}{
		{"prefix", []string{"@andy what time is it"}, true},
		{"leading space", []string{"hello", "  @Andy help"}, true},
		{"mid sentence", []string{"ask @Andy later"}, false},
		{"longer name", []string{"@Andrew hi"}, false},
		{"none", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msgs []types.Message
			for _, c := range tt.content {
				msgs = append(msgs, types.Message{Content: c})
			}
			assert.Equal(t, tt.want, HasTrigger(pattern, msgs))
		})
	}
}
