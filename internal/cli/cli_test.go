package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/config"
)

// execute runs the root command and returns what it wrote to stdout.
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// isolate points the commands at a fresh database and clears the
// environment overrides.
func isolate(t *testing.T) string {
	t.Helper()
	t.Setenv(config.EnvRemoteURL, "")
	t.Setenv(config.EnvTrustSecret, "")
	t.Setenv(config.EnvAPIAddr, "127.0.0.1:0")
	db := filepath.Join(t.TempDir(), "fieldsync.db")
	t.Setenv(config.EnvDB, db)
	return db
}

func decodeResponse(t *testing.T, out string, data any) Response {
	t.Helper()
	var raw struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
		Error  *ResponseError  `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &raw), out)
	if data != nil && len(raw.Data) > 0 {
		require.NoError(t, json.Unmarshal(raw.Data, data))
	}
	return Response{Status: raw.Status, Error: raw.Error}
}
