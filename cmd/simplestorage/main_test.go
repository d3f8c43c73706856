package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func devEnv(t *testing.T) {
	t.Helper()
	for key, value := range map[string]string{
		"NETWORK":        "development",
		"LOCAL_NETWORKS": "development",
		"RPC_URL":        "",
		"PRIVATE_KEY":    "",
		"ACCOUNT_KEYS":   "",
		"DATABASE_URL":   "",
		"ARTIFACTS_DIR":  "",
		"LOG_LEVEL":      "error",
	} {
		t.Setenv(key, value)
	}
}

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	a := newApp()
	a.Writer = &out
	a.ErrWriter = &bytes.Buffer{}
	err := a.Run(append([]string{"simplestorage"}, args...))
	return out.String(), err
}

func TestRun_DevChain(t *testing.T) {
	devEnv(t)

	stdout, err := runApp(t)
	require.NoError(t, err)
	assert.Contains(t, stdout, "Initial value: 0\n")
	assert.Contains(t, stdout, "After simulated store(15): 0\n")
	assert.Contains(t, stdout, "Final value: 15\n")
}

func TestRun_CustomValue(t *testing.T) {
	devEnv(t)

	stdout, err := runApp(t, "--value", "42")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Final value: 42\n")
}

func TestRun_BadValue(t *testing.T) {
	devEnv(t)

	for _, v := range []string{"-1", "fifteen"} {
		_, err := runApp(t, "--value", v)
		require.Error(t, err, v)
		assert.Contains(t, err.Error(), "--value")
	}
}

func TestRun_MissingSolc(t *testing.T) {
	devEnv(t)
	t.Setenv("SOLC_BIN", "definitely-not-solc")

	_, err := runApp(t, "--source", "SimpleStorage.sol", "--out", t.TempDir())
	require.Error(t, err)
}
