// Package persistence archives records locally as gzipped JSON files, one
// file per record, laid out by date.
package persistence

import (
	"compress/gzip"
	"encoding/json"
	"io"
	"os"
	"path"
	"time"
)

// DataFile describes a written archive file.
type DataFile struct {
	Prefix   string
	Datatype string
	UUID     string
	Path     string
	// Size is the uncompressed size of the content.
	Size int
}

type dataWriter struct {
	writer io.WriteCloser
	fp     *os.File
}

func newDataWriter(filepath string) (*dataWriter, error) {
	fp, err := os.OpenFile(filepath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, err
	}
	writer, err := gzip.NewWriterLevel(fp, gzip.BestSpeed)
	if err != nil {
		fp.Close()
		return nil, err
	}
	return &dataWriter{writer: writer, fp: fp}, nil
}

func (dw *dataWriter) close() error {
	err := dw.writer.Close()
	if err != nil {
		dw.fp.Close()
		return err
	}
	return dw.fp.Close()
}

// WriteDataFile writes the JSON representation of data to a new file under
// prefix/datatype/YYYY/MM/DD/ named after timestamp and uuid.
func WriteDataFile(prefix, datatype, uuid string, timestamp time.Time,
	data interface{}) (*DataFile, error) {
	timestamp = timestamp.UTC()
	dir := path.Join(prefix, datatype, timestamp.Format("2006/01/02"))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	filepath := path.Join(dir, datatype+"-"+
		timestamp.Format("20060102T150405.000000000Z")+"."+uuid+".json.gz")

	content, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	dw, err := newDataWriter(filepath)
	if err != nil {
		return nil, err
	}
	if _, err := dw.writer.Write(content); err != nil {
		dw.close()
		return nil, err
	}
	if err := dw.close(); err != nil {
		return nil, err
	}
	return &DataFile{
		Prefix:   prefix,
		Datatype: datatype,
		UUID:     uuid,
		Path:     filepath,
		Size:     len(content),
	}, nil
}
