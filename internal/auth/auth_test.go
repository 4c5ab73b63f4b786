package auth

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthenticateNamesActor(t *testing.T) {
	tokens := []TokenConfig{
		{Actor: "alice", Token: "tok-alice", Scopes: []string{ScopeGovernanceRW}},
		{Actor: "bob", Token: "tok-bob", Scopes: []string{ScopeAll}},
	}

	p, ok := Authenticate("tok-alice", tokens)
	require.True(t, ok)
	assert.Equal(t, "alice", p.Actor)
	assert.True(t, HasAnyScope(p, ScopeGovernanceRO), "rw implies ro")
	assert.False(t, HasAnyScope(p, ScopeKillRW))

	p, ok = Authenticate("tok-bob", tokens)
	require.True(t, ok)
	assert.Equal(t, "bob", p.Actor)
	assert.True(t, HasAnyScope(p, ScopeKillRW))

	_, ok = Authenticate("tok-eve", tokens)
	assert.False(t, ok)
	_, ok = Authenticate("", tokens)
	assert.False(t, ok)
}

func TestExtractBearerToken(t *testing.T) {
	cases := map[string]struct {
		header  string
		want    string
		wantErr bool
	}{
		"valid":      {header: "Bearer abc", want: "abc"},
		"padded":     {header: "Bearer   abc  ", want: "abc"},
		"missing":    {header: "", wantErr: true},
		"wrong kind": {header: "Basic abc", wantErr: true},
		"empty":      {header: "Bearer   ", wantErr: true},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			got, err := ExtractBearerToken(r)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestKnownScopes(t *testing.T) {
	assert.True(t, IsKnownScope("stage:rw"))
	assert.False(t, IsKnownScope("plugin:rw"))
}
