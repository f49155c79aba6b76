package xmlsps

import (
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/zip"
)

// ZipItem ist ein XML aus einem ZIP-Paket. Err ist gesetzt, wenn der
// Eintrag nicht gelesen oder geparst werden konnte.
type ZipItem struct {
	Filename string
	XML      *XMLWithPre
	Err      error
}

// ReadZip liefert alle .xml-Einträge eines ZIP-Archivs; ein kaputter Eintrag
// bricht die anderen nicht ab.
func ReadZip(content []byte) ([]ZipItem, error) {
	r, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("reading zip: %w", err)
	}
	var items []ZipItem
	for _, f := range r.File {
		if f.FileInfo().IsDir() || !strings.EqualFold(path.Ext(f.Name), ".xml") {
			continue
		}
		item := ZipItem{Filename: path.Base(f.Name)}
		data, err := readZipFile(f)
		if err != nil {
			item.Err = err
			items = append(items, item)
			continue
		}
		x, err := Parse(data)
		if err != nil {
			item.Err = err
		} else {
			x.Filename = item.Filename
			item.XML = x
		}
		items = append(items, item)
	}
	return items, nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", f.Name, err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// CreateZip packt die Dateien (Name -> Inhalt) in ein ZIP-Archiv.
func CreateZip(files map[string][]byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, data := range files {
		fw, err := w.Create(name)
		if err != nil {
			return nil, err
		}
		if _, err := fw.Write(data); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
