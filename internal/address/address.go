// Package address derives the deterministic record addresses of the ledger.
//
// An address is the base58 encoding of a 32-byte blake3 digest over the
// program id, a record tag and the record's seed components. Every
// component is length-prefixed so distinct component lists never collide.
package address

import (
	"encoding/binary"

	"github.com/mr-tron/base58"
	"lukechampine.com/blake3"
)

const (
	tagStats   = "Stats"
	tagAccount = "UserAccount"
	tagGame    = "Game"
	tagBet     = "VrfResult"
)

// Derive returns the address for the given program, tag and components.
func Derive(program, tag string, components ...[]byte) string {
	h := blake3.New(32, nil)
	write := func(b []byte) {
		var n [binary.MaxVarintLen64]byte
		h.Write(n[:binary.PutUvarint(n[:], uint64(len(b)))])
		h.Write(b)
	}
	write([]byte(program))
	write([]byte(tag))
	for _, c := range components {
		write(c)
	}
	return base58.Encode(h.Sum(nil))
}

// Stats is the address of the singleton stats record and custody vault.
func Stats(program string) string {
	return Derive(program, tagStats)
}

// Account is the address of a principal's account.
func Account(program, authority string) string {
	return Derive(program, tagAccount, []byte(authority))
}

// Game is the address of a game. The nonce makes every opened game unique,
// so two games with identical configuration never share an address.
func Game(program, host, nonce string) string {
	return Derive(program, tagGame, []byte(host), []byte(nonce))
}

// Bet is the address of a bet record, keyed by the bettor's sequence number.
func Bet(program, game, owner string, betID uint64) string {
	var id [8]byte
	binary.LittleEndian.PutUint64(id[:], betID)
	return Derive(program, tagBet, []byte(game), []byte(owner), id[:])
}

// Valid reports whether s decodes as a 32-byte base58 address.
func Valid(s string) bool {
	raw, err := base58.Decode(s)
	return err == nil && len(raw) == 32
}
