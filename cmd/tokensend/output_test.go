package main

import (
	"bytes"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/tokensend/client"
)

// captureStdout runs fn and returns what it wrote to os.Stdout.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	orig := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w
	defer func() { os.Stdout = orig }()

	fn()

	require.NoError(t, w.Close())
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(out)
}

func TestOutputJQ(t *testing.T) {
	balance := "2.500000"
	state := &client.State{Connected: true, Address: "abc", Balance: &balance, Symbol: "USDT"}

	tests := []struct {
		name   string
		filter string
		want   string
	}{
		{"raw string", ".balance", "2.500000\n"},
		{"boolean", ".connected", "true\n"},
		{"object", "{address, symbol}", `{"address":"abc","symbol":"USDT"}` + "\n"},
		{"multiple results", ".address, .symbol", "abc\nUSDT\n"},
		{"null", ".missing", "null\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, outputJQ(&buf, state, tt.filter))
			assert.Equal(t, tt.want, buf.String())
		})
	}
}

func TestOutputJQ_Errors(t *testing.T) {
	var buf bytes.Buffer
	err := outputJQ(&buf, map[string]int{"a": 1}, ".[")
	assert.ErrorContains(t, err, "failed to parse jq filter")

	err = outputJQ(&buf, map[string]int{"a": 1}, ".a | error(\"boom\")")
	assert.ErrorContains(t, err, "failed")
}

func TestMatchesJQ(t *testing.T) {
	failed := "blockhash expired"
	transfers := []*client.Transfer{
		{ID: "a", Status: "confirmed", Amount: "1.000000"},
		{ID: "b", Status: "failed", Amount: "1.000000", Error: &failed},
	}

	tests := []struct {
		name    string
		filters []string
		want    []string
	}{
		{"no filters", nil, []string{"a", "b"}},
		{"status", []string{`.status == "failed"`}, []string{"b"}},
		{"all must match", []string{`.amount == "1.000000"`, `.status == "confirmed"`}, []string{"a"}},
		{"null is falsy", []string{`.error`}, []string{"b"}},
		{"runtime error never matches", []string{`.status | tonumber`}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codes, err := compileFilters(tt.filters)
			require.NoError(t, err)

			var got []string
			for _, tr := range transfers {
				ok, err := matchesJQ(tr, codes)
				require.NoError(t, err)
				if ok {
					got = append(got, tr.ID)
				}
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsTruthy(t *testing.T) {
	assert.False(t, isTruthy(nil))
	assert.False(t, isTruthy(false))
	assert.True(t, isTruthy(true))
	assert.True(t, isTruthy(0))
	assert.True(t, isTruthy(""))
	assert.True(t, isTruthy([]interface{}{}))
}

func TestFormatOptional(t *testing.T) {
	s := "sig"
	empty := ""
	assert.Equal(t, "sig", formatOptional(&s))
	assert.Equal(t, "-", formatOptional(&empty))
	assert.Equal(t, "-", formatOptional(nil))
}
