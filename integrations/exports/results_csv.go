package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"meshwatch/mesh"
)

var resultColumns = []string{"peer", "topic", "window_start", "window_end", "honest", "attacker", "mesh"}

// ResultsCSV builds a CSV export of the supplied window rows and returns the
// serialised data alongside a SHA-256 checksum of the payload.
func ResultsCSV(rows []mesh.WindowRow) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	writer := csv.NewWriter(buffer)
	if err := writer.Write(resultColumns); err != nil {
		return nil, "", err
	}
	for _, row := range rows {
		record := []string{
			strconv.FormatInt(row.Peer, 10),
			row.Topic,
			row.Window.Start.UTC().Format(time.RFC3339Nano),
			row.Window.End.UTC().Format(time.RFC3339Nano),
			strconv.Itoa(row.Honest),
			strconv.Itoa(row.Attacker),
			joinIDs(row.Mesh, " "),
		}
		if err := writer.Write(record); err != nil {
			return nil, "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, "", err
	}
	data := buffer.Bytes()
	return data, checksum(data), nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func joinIDs(ids []int64, sep string) string {
	if len(ids) == 0 {
		return ""
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, sep)
}
