package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTask_IsDue(t *testing.T) {
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	past, future := now.Add(-time.Second), now.Add(time.Second)

	tests := []struct {
		name string
		task Task
		want bool
	}{
		{"due", Task{Status: StatusActive, NextRun: &past}, true},
		{"exactly now", Task{Status: StatusActive, NextRun: &now}, true},
		{"future", Task{Status: StatusActive, NextRun: &future}, false},
		{"paused", Task{Status: StatusPaused, NextRun: &past}, false},
		{"spent once", Task{Status: StatusActive}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.task.IsDue(now))
		})
	}
}

func TestGroup_Flags(t *testing.T) {
	off := false
	assert.True(t, Group{}.NeedsTrigger())
	assert.False(t, Group{RequiresTrigger: &off}.NeedsTrigger())
	assert.True(t, Group{Folder: "main"}.IsMain("main"))
	assert.False(t, Group{Folder: "fam"}.IsMain("main"))
}
