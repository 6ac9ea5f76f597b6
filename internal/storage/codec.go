package storage

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/xuri/excelize/v2"
)

// Codec converts a Table to and from the bytes of one file format.
type Codec interface {
	Encode(t *Table) ([]byte, error)
	Decode(data []byte) (*Table, error)
}

// codecFor picks the codec from the path extension.
// .xlsx is a spreadsheet, .csv.zst is zstd-compressed CSV, anything else is CSV.
func codecFor(path string) Codec {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".xlsx"):
		return xlsxCodec{}
	case strings.HasSuffix(lower, ".zst"):
		return zstdCodec{inner: csvCodec{}}
	default:
		return csvCodec{}
	}
}

type csvCodec struct{}

func (csvCodec) Encode(t *Table) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(t.Header); err != nil {
		return nil, err
	}
	if err := w.WriteAll(t.Rows); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

func (csvCodec) Decode(data []byte) (*Table, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmpty
	}

	r := csv.NewReader(bytes.NewReader(data))
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	if len(records) == 0 {
		return nil, ErrEmpty
	}

	return &Table{Header: records[0], Rows: records[1:]}, nil
}

// zstdCodec wraps another codec in a zstd frame.
type zstdCodec struct {
	inner Codec
}

func (c zstdCodec) Encode(t *Table) ([]byte, error) {
	raw, err := c.inner.Encode(t)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(raw, nil), nil
}

func (c zstdCodec) Decode(data []byte) (*Table, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()

	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return c.inner.Decode(raw)
}

// xlsxCodec stores the table on the first sheet of a workbook.
type xlsxCodec struct{}

func (xlsxCodec) Encode(t *Table) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	sheet := f.GetSheetName(0)
	rows := append([][]string{t.Header}, t.Rows...)
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return nil, err
		}
		values := make([]interface{}, len(row))
		for j, v := range row {
			values[j] = v
		}
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return nil, fmt.Errorf("set row %d: %w", i+1, err)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func (xlsxCodec) Decode(data []byte) (*Table, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	rows, err := f.GetRows(f.GetSheetName(0))
	if err != nil {
		return nil, fmt.Errorf("read sheet: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrEmpty
	}

	// GetRows drops trailing empty cells; pad back to the header width.
	header := rows[0]
	t := &Table{Header: header, Rows: make([][]string, 0, len(rows)-1)}
	for i, row := range rows[1:] {
		if len(row) > len(header) {
			return nil, fmt.Errorf("row %d has %d cells, header has %d", i+2, len(row), len(header))
		}
		padded := make([]string, len(header))
		copy(padded, row)
		t.Rows = append(t.Rows, padded)
	}
	return t, nil
}
