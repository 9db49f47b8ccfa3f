package deps

import (
	"context"
	"errors"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeVersion(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"^1.2.0", "1.2.0"},
		{"~2.0.1", "2.0.1"},
		{"2.0.0", "2.0.0"},
		{"^^1.0.0", "^1.0.0"},
		{"~^1.0.0", "^1.0.0"},
		{">=1.0.0", ">=1.0.0"},
		{"", ""},
		{"^", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeVersion(tt.in), "NormalizeVersion(%q)", tt.in)
	}
}

const remoteLSOutput = `loading: express@latest
loading: accepts@~1.3.8
loading: array-flatten@1.1.1
loading: @types/node@^20.1.0
└─ express@4.18.2
   ├─ accepts@1.3.8
   └─ array-flatten@1.1.1
`

func TestParseRemoteLS(t *testing.T) {
	got := ParseRemoteLS([]byte(remoteLSOutput))
	want := Dependencies{
		{Name: "accepts", Range: "~1.3.8"},
		{Name: "array-flatten", Range: "1.1.1"},
		{Name: "@types/node", Range: "^20.1.0"},
	}
	assert.Equal(t, want, got)
	assert.Equal(t, "1.3.8", got[0].Version())
	assert.Equal(t, map[string]string{
		"accepts":       "~1.3.8",
		"array-flatten": "1.1.1",
		"@types/node":   "^20.1.0",
	}, got.Map())
}

func TestParseRemoteLSUnparseable(t *testing.T) {
	for _, out := range []string{
		"",
		"npm ERR! 404 Not Found",
		"loading: lonely@latest\n└─ lonely@1.0.0",
		"loading:",
	} {
		assert.Empty(t, ParseRemoteLS([]byte(out)), "ParseRemoteLS(%q)", out)
	}
}

func TestParseRemoteLSDuplicateKeepsLastRange(t *testing.T) {
	got := ParseRemoteLS([]byte("loading: a@1 loading: b@^1.0.0 loading: b@^2.0.0"))
	assert.Equal(t, Dependencies{{Name: "b", Range: "^2.0.0"}}, got)
}

func TestRemoteLSResolve(t *testing.T) {
	var gotBin string
	var gotArgs []string
	r := NewRemoteLS("", nil)
	r.Run = func(_ context.Context, bin string, args ...string) ([]byte, error) {
		gotBin, gotArgs = bin, args
		return []byte(remoteLSOutput), nil
	}

	found, err := r.Resolve(context.Background(), "express")
	require.NoError(t, err)
	assert.Len(t, found, 3)
	assert.Equal(t, "npm-remote-ls", gotBin)
	assert.Equal(t, []string{"-e", "express"}, gotArgs)
}

func TestRemoteLSResolveStartFailure(t *testing.T) {
	r := NewRemoteLS("definitely-not-installed", nil)
	r.Run = func(context.Context, string, ...string) ([]byte, error) {
		return nil, exec.ErrNotFound
	}
	_, err := r.Resolve(context.Background(), "express")
	assert.True(t, errors.Is(err, exec.ErrNotFound))
}

func TestRemoteLSResolveGarbage(t *testing.T) {
	r := NewRemoteLS("", nil)
	r.Run = func(context.Context, string, ...string) ([]byte, error) {
		return []byte("something unexpected"), nil
	}
	found, err := r.Resolve(context.Background(), "express")
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestStatic(t *testing.T) {
	s := Static{"root": {{Name: "x", Range: "^1.2.0"}}}
	found, err := s.Resolve(context.Background(), "root")
	require.NoError(t, err)
	assert.Len(t, found, 1)

	found, err = s.Resolve(context.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, found)
}
