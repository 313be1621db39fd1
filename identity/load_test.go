package identity

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"meshwatch/storage"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestParseCSVPeersTable(t *testing.T) {
	body := "peer_id,seq,honest\nQmA,0,True\nQmB,1,False\nQmC,2,1\n"
	records, err := ParseCSV(strings.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, []PeerRecord{
		{Identity: "QmA", NumericID: 0, Honest: true},
		{Identity: "QmB", NumericID: 1, Honest: false},
		{Identity: "QmC", NumericID: 2, Honest: true},
	}, records)
}

func TestParseCSVAliasesAndColumnOrder(t *testing.T) {
	body := "honest, numeric_id, identity, extra\nno,7,QmZ,x\n"
	records, err := ParseCSV(strings.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, []PeerRecord{{Identity: "QmZ", NumericID: 7}}, records)
}

func TestParseCSVErrors(t *testing.T) {
	_, err := ParseCSV(strings.NewReader("peer_id,honest\nQmA,true\n"))
	require.ErrorContains(t, err, "numeric_id")

	_, err = ParseCSV(strings.NewReader("peer_id,seq,honest\nQmA,x,true\n"))
	require.ErrorContains(t, err, "line 2")

	_, err = ParseCSV(strings.NewReader("peer_id,seq,honest\nQmA,1,maybe\n"))
	require.ErrorContains(t, err, "honest flag")

	records, err := ParseCSV(strings.NewReader(""))
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestLoadFileFormats(t *testing.T) {
	csvPath := writeFile(t, "peers.csv", "peer_id,seq,honest\nQmA,1,true\nQmB,2,false\n")
	jsonPath := writeFile(t, "peers.json", `[{"identity":"QmA","numeric_id":1,"honest":true},{"identity":"QmB","numeric_id":2,"honest":false}]`)
	yamlPath := writeFile(t, "peers.yml", "- identity: QmA\n  numeric_id: 1\n  honest: true\n- identity: QmB\n  numeric_id: 2\n  honest: false\n")

	for _, path := range []string{csvPath, jsonPath, yamlPath} {
		format, err := ParseFormat("", path)
		require.NoError(t, err, path)
		table, err := LoadFile(path, format)
		require.NoError(t, err, path)
		require.Equal(t, 2, table.Len(), path)
		honest, ok := table.Honest(2)
		require.True(t, ok)
		require.False(t, honest)
	}
}

func TestLoadFileRejectsUnknownFields(t *testing.T) {
	path := writeFile(t, "peers.json", `[{"identity":"QmA","numeric_id":1,"honest":true,"score":3}]`)
	_, err := LoadFile(path, FormatJSON)
	require.Error(t, err)

	path = writeFile(t, "peers.yaml", "- identity: QmA\n  id: 1\n")
	_, err = LoadFile(path, FormatYAML)
	require.Error(t, err)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("YAML", "whatever")
	require.NoError(t, err)
	require.Equal(t, FormatYAML, f)

	f, err = ParseFormat("", t.TempDir())
	require.NoError(t, err)
	require.Equal(t, FormatLevelDB, f)

	_, err = ParseFormat("", "peers.txt")
	require.Error(t, err)
}

func TestCacheRoundTrip(t *testing.T) {
	table, err := NewTable(sampleRecords())
	require.NoError(t, err)

	db := storage.NewMemDB()
	cache := NewCache(db)
	_, err = cache.Load()
	require.ErrorIs(t, err, ErrEmptyCache)

	require.NoError(t, cache.Save(table))
	loaded, err := cache.Load()
	require.NoError(t, err)
	require.Equal(t, table.Records(), loaded.Records())

	smaller, err := NewTable(sampleRecords()[:1])
	require.NoError(t, err)
	require.NoError(t, cache.Save(smaller))
	loaded, err = cache.Load()
	require.NoError(t, err)
	require.Equal(t, 1, loaded.Len())
}

func TestLoadFileLevelDB(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "peers.ldb")
	db, err := storage.NewLevelDB(dir)
	require.NoError(t, err)
	table, err := NewTable(sampleRecords())
	require.NoError(t, err)
	require.NoError(t, NewCache(db).Save(table))
	require.NoError(t, db.Close())

	loaded, err := LoadFile(dir, FormatLevelDB)
	require.NoError(t, err)
	require.Equal(t, table.Records(), loaded.Records())
}
