package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasAllEntryPoints(t *testing.T) {
	cmd := NewRootCommand()

	want := []string{"lead", "inbound", "jobs", "killswitch", "report", "agent", "settings", "audit"}
	got := map[string]bool{}
	for _, sub := range cmd.Commands() {
		got[sub.Name()] = true
	}
	for _, name := range want {
		assert.True(t, got[name], "missing subcommand %q", name)
	}
}

func TestRootCommand_RejectsInvalidFormat(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--format", "xml", "report"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestIsValidFormat(t *testing.T) {
	assert.True(t, isValidFormat("text"))
	assert.True(t, isValidFormat("json"))
	assert.False(t, isValidFormat("yaml"))
	assert.False(t, isValidFormat(""))
}

func TestReadAction(t *testing.T) {
	action, err := readAction(`{"action_type":"set_opt_out","lead_id":3,"reason":"op"}`)
	require.NoError(t, err)
	assert.Equal(t, "set_opt_out", action.ActionType)
	assert.Equal(t, int64(3), action.LeadID)

	_, err = readAction(`{"lead_id":3}`)
	assert.Error(t, err, "action_type is required")

	_, err = readAction(`{nope`)
	assert.Error(t, err)
}
