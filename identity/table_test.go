package identity

import (
	"testing"

	"github.com/btcsuite/btcutil/base58"
	"github.com/stretchr/testify/require"
)

func sampleRecords() []PeerRecord {
	return []PeerRecord{
		{Identity: base58.Encode([]byte{0x12, 0x20, 0x01}), NumericID: 1, Honest: true},
		{Identity: base58.Encode([]byte{0x12, 0x20, 0x02}), NumericID: 2, Honest: false},
		{Identity: base58.Encode([]byte{0x12, 0x20, 0x03}), NumericID: 3, Honest: true},
	}
}

func TestTableIndexesBothWays(t *testing.T) {
	table, err := NewTable(sampleRecords())
	require.NoError(t, err)
	require.Equal(t, 3, table.Len())

	rec, ok := table.ByID(2)
	require.True(t, ok)
	require.False(t, rec.Honest)
	back, ok := table.ByIdentity(rec.Identity)
	require.True(t, ok)
	require.Equal(t, rec, back)

	honest, known := table.Honest(3)
	require.True(t, known)
	require.True(t, honest)
	_, known = table.Honest(99)
	require.False(t, known)

	h, a := table.Counts()
	require.Equal(t, 2, h)
	require.Equal(t, 1, a)

	records := table.Records()
	require.Len(t, records, 3)
	for i, rec := range records {
		require.Equal(t, int64(i+1), rec.NumericID)
	}
}

func TestTableRejectsDuplicates(t *testing.T) {
	recs := sampleRecords()
	_, err := NewTable(append(recs, PeerRecord{Identity: recs[0].Identity, NumericID: 9}))
	require.ErrorIs(t, err, ErrDuplicateIdentity)

	_, err = NewTable(append(recs, PeerRecord{Identity: "other", NumericID: 2}))
	require.ErrorIs(t, err, ErrDuplicateNumericID)

	_, err = NewTable([]PeerRecord{{NumericID: 1}})
	require.Error(t, err)
}

func TestNilTable(t *testing.T) {
	var table *Table
	require.Zero(t, table.Len())
	_, ok := table.ByID(1)
	require.False(t, ok)
	require.Nil(t, table.Records())
}

func TestResolverBase58(t *testing.T) {
	table, err := NewTable(sampleRecords())
	require.NoError(t, err)
	r := NewResolver(table, "")
	require.Equal(t, EncodingBase58, r.Encoding())

	id, err := r.Resolve([]byte{0x12, 0x20, 0x02})
	require.NoError(t, err)
	require.Equal(t, int64(2), id)

	_, err = r.Resolve([]byte{0xff})
	require.ErrorIs(t, err, ErrUnknownPeer)
	require.True(t, IsUnknownPeer(err))
	require.Contains(t, err.Error(), base58.Encode([]byte{0xff}))
}

func TestResolverExactMatchOnly(t *testing.T) {
	table, err := NewTable([]PeerRecord{{Identity: "Abc", NumericID: 1}})
	require.NoError(t, err)
	r := NewResolver(table, EncodingRaw)
	_, err = r.Resolve([]byte("abc"))
	require.ErrorIs(t, err, ErrUnknownPeer)
	id, err := r.Resolve([]byte("Abc"))
	require.NoError(t, err)
	require.Equal(t, int64(1), id)
}

func TestEncodings(t *testing.T) {
	wire := []byte{0x00, 0x01, 0xfe}
	for _, enc := range []Encoding{EncodingBase58, EncodingHex, EncodingRaw} {
		decoded, err := enc.Decode(enc.Encode(wire))
		require.NoError(t, err, enc)
		require.Equal(t, wire, decoded, enc)
	}
	require.Equal(t, "0001fe", EncodingHex.Encode(wire))

	enc, err := ParseEncoding(" HEX ")
	require.NoError(t, err)
	require.Equal(t, EncodingHex, enc)
	_, err = ParseEncoding("base64")
	require.Error(t, err)
	_, err = EncodingBase58.Decode("0OIl")
	require.Error(t, err)
}
