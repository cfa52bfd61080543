package conversation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewContextSeedsSystemMessage(t *testing.T) {
	c := NewContext("You are a helpful assistant.")
	require.Equal(t, 1, c.Len())
	require.Equal(t, []Message{{Role: RoleSystem, Content: "You are a helpful assistant."}}, c.Messages())
}

func TestContextAppendOnlyGrows(t *testing.T) {
	c := NewContext("sys")
	snapshot := c.Messages()

	require.NoError(t, c.Append(RoleUser, "hi"))
	require.NoError(t, c.Append(RoleAssistant, "Hello"))
	require.Equal(t, 3, c.Len())

	// earlier snapshots are not affected by later appends
	require.Len(t, snapshot, 1)

	msgs := c.Messages()
	msgs[1].Content = "mutated"
	require.Equal(t, "hi", c.Messages()[1].Content)
}

func TestContextRejectsUnknownRole(t *testing.T) {
	c := NewContext("sys")
	require.Error(t, c.Append(Role("tool"), "x"))
	require.Equal(t, 1, c.Len())

	var nilCtx *Context
	require.Error(t, nilCtx.Append(RoleUser, "x"))
	require.Equal(t, 0, nilCtx.Len())
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole(" Assistant ")
	require.NoError(t, err)
	require.Equal(t, RoleAssistant, r)

	_, err = ParseRole("tool")
	require.Error(t, err)
}

func TestTranscript(t *testing.T) {
	got := Transcript([]Message{
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "Hello"},
	})
	require.Equal(t, "user: hi\nassistant: Hello", got)
	require.Equal(t, "", Transcript(nil))
}

func TestNilTokenCounterCountsZero(t *testing.T) {
	var tc *TokenCounter
	require.Equal(t, 0, tc.Count(Message{Role: RoleUser, Content: "hello world"}))
}
