package exports

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"meshwatch/mesh"
)

// ParquetRow is the columnar layout of one window row. Timestamps are Unix
// microseconds.
type ParquetRow struct {
	Peer        int64  `parquet:"name=peer, type=INT64"`
	Topic       string `parquet:"name=topic, type=BYTE_ARRAY, convertedtype=UTF8"`
	WindowStart int64  `parquet:"name=window_start, type=INT64, convertedtype=TIMESTAMP_MICROS"`
	WindowEnd   int64  `parquet:"name=window_end, type=INT64, convertedtype=TIMESTAMP_MICROS"`
	Honest      int32  `parquet:"name=honest, type=INT32"`
	Attacker    int32  `parquet:"name=attacker, type=INT32"`
	Mesh        string `parquet:"name=mesh, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// ResultsParquet writes rows as snappy-compressed Parquet to w and returns the
// SHA-256 checksum of the bytes written.
func ResultsParquet(w io.Writer, rows []mesh.WindowRow) (string, error) {
	hash := sha256.New()
	fw := writerfile.NewWriterFile(io.MultiWriter(w, hash))
	pw, err := writer.NewParquetWriter(fw, new(ParquetRow), 1)
	if err != nil {
		return "", fmt.Errorf("exports: parquet schema: %w", err)
	}
	pw.RowGroupSize = 64 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &ParquetRow{
			Peer:        row.Peer,
			Topic:       row.Topic,
			WindowStart: row.Window.Start.UnixMicro(),
			WindowEnd:   row.Window.End.UnixMicro(),
			Honest:      int32(row.Honest),
			Attacker:    int32(row.Attacker),
			Mesh:        joinIDs(row.Mesh, " "),
		}
		if err := pw.Write(pr); err != nil {
			_ = pw.WriteStop()
			return "", fmt.Errorf("exports: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return "", fmt.Errorf("exports: parquet flush: %w", err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// WriteResultsParquet writes a Parquet export to path.
func WriteResultsParquet(path string, rows []mesh.WindowRow) (string, error) {
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("exports: create parquet: %w", err)
	}
	sum, err := ResultsParquet(file, rows)
	if err != nil {
		file.Close()
		return "", err
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("exports: close parquet file: %w", err)
	}
	return sum, nil
}
