package cli

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/phonetic"
)

func TestAnswerMatch(t *testing.T) {
	tests := []struct {
		name   string
		args   []string
		method phonetic.Method
	}{
		{"exact after normalization", []string{"Éléphant!", "elephant"}, phonetic.MethodExact},
		{"same sound", []string{"Filipe", "Philippe"}, phonetic.MethodPhonetic},
		{"close spelling", []string{"Bamacot", "Bamako"}, phonetic.MethodFuzzy},
		{"best of several", []string{"Bamacot", "Conakry", "Bamako"}, phonetic.MethodFuzzy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, "", append([]string{"--format", "json", "answer", "match"}, tt.args...)...)
			require.NoError(t, err)
			var res phonetic.Result
			decodeResponse(t, out, &res)
			assert.True(t, res.IsMatch)
			assert.Equal(t, tt.method, res.Method)
		})
	}
}

func TestAnswerMatch_NoMatch(t *testing.T) {
	out, err := execute(t, "", "answer", "match", "Conakry", "Bamako")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, "no match for \"conakry\"\n", out)
}

func TestAnswerPrepareAndVerify(t *testing.T) {
	out, err := execute(t, "", "--format", "json", "answer", "prepare", "Grand Bassam")
	require.NoError(t, err)
	var stored phonetic.StoredAnswer
	decodeResponse(t, out, &stored)
	assert.Equal(t, "grand bassam", stored.Normalized)
	assert.Equal(t, phonetic.Codes("grand bassam"), stored.Code)

	out, err = execute(t, "", "answer", "verify", "GRAND  bassam", stored.Hash)
	require.NoError(t, err)
	assert.Equal(t, "verified\n", out)

	_, err = execute(t, "", "answer", "verify", "Yamoussoukro", stored.Hash)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestPhone(t *testing.T) {
	out, err := execute(t, "", "phone", "+225 07 08 09 10 11")
	require.NoError(t, err)
	assert.Equal(t, "+2250708091011", strings.TrimSpace(out))

	_, err = execute(t, "", "phone", "12345")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}
