package identity

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/base58"
)

// Encoding selects how raw wire identities are rendered before table lookup.
type Encoding string

const (
	// EncodingBase58 renders identities the way libp2p prints peer ids.
	EncodingBase58 Encoding = "base58"
	EncodingHex    Encoding = "hex"
	EncodingRaw    Encoding = "raw"
)

// ParseEncoding normalises a configured encoding name. Empty means base58.
func ParseEncoding(raw string) (Encoding, error) {
	switch Encoding(strings.ToLower(strings.TrimSpace(raw))) {
	case "", EncodingBase58:
		return EncodingBase58, nil
	case EncodingHex:
		return EncodingHex, nil
	case EncodingRaw:
		return EncodingRaw, nil
	default:
		return "", fmt.Errorf("identity: unknown encoding %q", raw)
	}
}

// Encode renders b in the given encoding.
func (e Encoding) Encode(b []byte) string {
	switch e {
	case EncodingHex:
		return hex.EncodeToString(b)
	case EncodingRaw:
		return string(b)
	default:
		return base58.Encode(b)
	}
}

// Decode is the inverse of Encode.
func (e Encoding) Decode(s string) ([]byte, error) {
	switch e {
	case EncodingHex:
		return hex.DecodeString(s)
	case EncodingRaw:
		return []byte(s), nil
	default:
		b := base58.Decode(s)
		if len(b) == 0 && s != "" {
			return nil, fmt.Errorf("identity: invalid base58 %q", s)
		}
		return b, nil
	}
}

// Resolver maps wire identities to numeric ids by exact match on the
// canonical encoding.
type Resolver struct {
	table    *Table
	encoding Encoding
}

func NewResolver(table *Table, encoding Encoding) *Resolver {
	if encoding == "" {
		encoding = EncodingBase58
	}
	return &Resolver{table: table, encoding: encoding}
}

// Canonical renders a raw wire identity as it appears in the table.
func (r *Resolver) Canonical(wire []byte) string {
	return r.encoding.Encode(wire)
}

// Resolve returns the numeric id for wire. A miss wraps ErrUnknownPeer.
func (r *Resolver) Resolve(wire []byte) (int64, error) {
	canonical := r.Canonical(wire)
	rec, ok := r.table.ByIdentity(canonical)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownPeer, canonical)
	}
	return rec.NumericID, nil
}

func (r *Resolver) Table() *Table { return r.table }

func (r *Resolver) Encoding() Encoding { return r.encoding }
