package token_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psep-io/psep/token"
)

func TestUnboundedCoversNothing(t *testing.T) {
	var u = token.Unbounded()
	assert.False(t, u.Covers(u))
	assert.False(t, u.Covers(token.At(5)))
	assert.True(t, token.At(5).Covers(u))
}

func TestCoversIsPositionOrdered(t *testing.T) {
	assert.True(t, token.At(10).Covers(token.At(9)))
	assert.True(t, token.At(10).Covers(token.At(10)))
	assert.False(t, token.At(9).Covers(token.At(10)))
}

func TestReplayCaughtUp(t *testing.T) {
	var r = token.NewReplay(token.At(0), 100)
	assert.True(t, r.IsReplay())
	assert.False(t, r.CaughtUp())

	r = r.Advance(100)
	assert.True(t, r.CaughtUp())

	var plain = token.At(5)
	assert.True(t, plain.CaughtUp())
}

func TestJSONRoundTrip(t *testing.T) {
	var cases = []token.Token{
		token.Unbounded(),
		token.At(42),
		token.NewReplay(token.At(3), 10),
	}
	for _, tok := range cases {
		var b, err = json.Marshal(tok)
		require.NoError(t, err)

		var out token.Token
		require.NoError(t, json.Unmarshal(b, &out))
		assert.Equal(t, tok, out)
	}
}
