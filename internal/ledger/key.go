package ledger

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Key is a 32-byte identity: an owner, a market, a vault or a token account.
type Key [32]byte

// KeyFromBytes decodes the opaque callback payload the matching engine echoes
// back into the owner identity it carries.
func KeyFromBytes(b []byte) (Key, error) {
	var k Key
	if len(b) != len(k) {
		return k, fmt.Errorf("%w: callback info is %d bytes, want %d", ErrInvalidAccountData, len(b), len(k))
	}
	copy(k[:], b)
	return k, nil
}

// ParseKey decodes a 64-digit hex key, with or without a 0x prefix.
func ParseKey(s string) (Key, error) {
	var k Key
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return k, fmt.Errorf("%w: key %q: %v", ErrInvalidAccountData, s, err)
	}
	return KeyFromBytes(b)
}

// MustParseKey panics on malformed input. For fixtures and constants.
func MustParseKey(s string) Key {
	k, err := ParseKey(s)
	if err != nil {
		panic(err)
	}
	return k
}

func (k Key) String() string { return hex.EncodeToString(k[:]) }

// Short is the first 8 hex digits, for log lines.
func (k Key) Short() string { return hex.EncodeToString(k[:4]) }

func (k Key) IsZero() bool { return k == Key{} }

func (k Key) Bytes() []byte { return k[:] }

func (k Key) Less(o Key) bool { return bytes.Compare(k[:], o[:]) < 0 }

func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Key) UnmarshalText(b []byte) error {
	v, err := ParseKey(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// SortKeys sorts in place and drops duplicates.
func SortKeys(keys []Key) []Key {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	out := keys[:0]
	for _, k := range keys {
		if len(out) > 0 && k == out[len(out)-1] {
			continue
		}
		out = append(out, k)
	}
	return out
}
