package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRootCommand(t *testing.T) {
	cmd := NewRootCommand()

	require.NotNil(t, cmd)
	assert.Equal(t, "chatsync", cmd.Use)
	assert.True(t, cmd.HasSubCommands())
	assert.NotNil(t, cmd.PersistentFlags().Lookup("config"))
	assert.NotNil(t, cmd.PersistentFlags().Lookup("debug"))

	for _, name := range []string{"serve", "chat", "version"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, sub.Name())
		assert.True(t, sub.RunE != nil || sub.Run != nil)
	}
}

func TestServeCommandFlags(t *testing.T) {
	cmd := NewServeCommand(&rootOptions{})

	assert.Equal(t, "serve", cmd.Use)
	assert.Equal(t, []string{"s"}, cmd.Aliases)
	assert.NotNil(t, cmd.RunE)
	assert.NotNil(t, cmd.Flags().Lookup("spool-dir"))
}

func TestChatCommandRequiresConversation(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"chat"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	assert.Error(t, cmd.Execute())
}

func TestVersionCommand(t *testing.T) {
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "chatsync dev\n", out.String())
}
