package cli

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lockstep/internal/identity"
)

func TestToken_IssuesVerifiableToken(t *testing.T) {
	out, err := runCLI(t, map[string]string{"LOCKSTEP_TOKEN_SECRET": testSecret}, "token", "alice")
	require.NoError(t, err)

	keys, err := identity.New(testSecret)
	require.NoError(t, err)
	actor, err := keys.Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "alice", actor)
}

func TestToken_SecretFlagWins(t *testing.T) {
	out, err := runCLI(t, map[string]string{}, "--format", "json", "token", "bob", "--secret", "other-secret")
	require.NoError(t, err)

	var resp struct {
		Data TokenResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "bob", resp.Data.Actor)

	keys, err := identity.New("other-secret")
	require.NoError(t, err)
	actor, err := keys.Verify(resp.Data.Token)
	require.NoError(t, err)
	assert.Equal(t, "bob", actor)
}

func TestToken_NoSecretIsCommandError(t *testing.T) {
	_, err := runCLI(t, map[string]string{}, "token", "alice")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
