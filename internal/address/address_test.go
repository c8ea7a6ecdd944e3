package address_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/atmx/wager-engine/internal/address"
)

func TestDerive_Deterministic(t *testing.T) {
	a := address.Account("prog", "alice")
	b := address.Account("prog", "alice")
	assert.Equal(t, a, b)
	assert.True(t, address.Valid(a))
}

func TestDerive_Distinct(t *testing.T) {
	seen := map[string]string{}
	cases := map[string]string{
		"stats":         address.Stats("prog"),
		"stats-other":   address.Stats("other"),
		"account-alice": address.Account("prog", "alice"),
		"account-bob":   address.Account("prog", "bob"),
		"game-1":        address.Game("prog", "alice", "n1"),
		"game-2":        address.Game("prog", "alice", "n2"),
		"bet-0":         address.Bet("prog", "g", "alice", 0),
		"bet-1":         address.Bet("prog", "g", "alice", 1),
	}
	for name, addr := range cases {
		if prev, ok := seen[addr]; ok {
			t.Fatalf("%s collides with %s", name, prev)
		}
		seen[addr] = name
	}
}

func TestDerive_LengthPrefixed(t *testing.T) {
	// "ab"+"c" and "a"+"bc" must not collide.
	x := address.Derive("p", "t", []byte("ab"), []byte("c"))
	y := address.Derive("p", "t", []byte("a"), []byte("bc"))
	assert.NotEqual(t, x, y)
}

func TestValid(t *testing.T) {
	assert.False(t, address.Valid(""))
	assert.False(t, address.Valid("0OIl"))
	assert.False(t, address.Valid("abc"))
}
