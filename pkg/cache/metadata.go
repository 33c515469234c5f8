package cache

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gsautter/goldengate-server-docs-sub000/pkg/constants"
	"github.com/gsautter/goldengate-server-docs-sub000/pkg/models"
)

const metadataFile = "MetaData.csv"

// readMetadata loads the metadata file of dir. A missing file yields an empty
// schema and no records.
func readMetadata(dir string) (*schema, []*models.Record, error) {
	f, err := os.Open(filepath.Join(dir, metadataFile))
	if errors.Is(err, os.ErrNotExist) {
		return newSchema(), nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err == io.EOF {
		return newSchema(), nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	var records []*models.Record
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		if len(row) > len(header) {
			return nil, nil, fmt.Errorf("row has %d fields, header has %d", len(row), len(header))
		}
		rec := models.RecordOf(header, row)
		if rec.Has(constants.DocumentIDAttribute) {
			records = append(records, rec)
		}
	}
	return newSchema(header...), records, nil
}

// writeMetadata replaces the metadata file of dir with the given records.
func writeMetadata(dir string, s *schema, records []*models.Record) error {
	tmp, err := os.CreateTemp(dir, metadataFile+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	columns := s.Columns()
	if err := w.Write(columns); err != nil {
		tmp.Close()
		return err
	}
	for _, rec := range records {
		if err := w.Write(rec.Values(columns)); err != nil {
			tmp.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, metadataFile))
}
