package exports

import (
	"bytes"
	"encoding/json"
	"time"

	"meshwatch/mesh"
)

type jsonRow struct {
	Peer        int64   `json:"peer"`
	Topic       string  `json:"topic,omitempty"`
	WindowStart string  `json:"window_start"`
	WindowEnd   string  `json:"window_end"`
	Honest      int     `json:"honest"`
	Attacker    int     `json:"attacker"`
	Mesh        []int64 `json:"mesh,omitempty"`
}

// ResultsJSONL builds a JSON Lines export of the supplied window rows and
// returns the serialised payload alongside a checksum.
func ResultsJSONL(rows []mesh.WindowRow) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	for _, row := range rows {
		payload := jsonRow{
			Peer:        row.Peer,
			Topic:       row.Topic,
			WindowStart: row.Window.Start.UTC().Format(time.RFC3339Nano),
			WindowEnd:   row.Window.End.UTC().Format(time.RFC3339Nano),
			Honest:      row.Honest,
			Attacker:    row.Attacker,
			Mesh:        row.Mesh,
		}
		if err := encoder.Encode(payload); err != nil {
			return nil, "", err
		}
	}
	data := buffer.Bytes()
	return data, checksum(data), nil
}
