// Package results writes archival records to disk.
package results

import (
	"compress/gzip"
	"encoding/json"
	"io"
	"os"
	"path"
	"time"

	"github.com/m-lab/ndt5-client/logging"
)

// File is the file where we save a result record.
type File struct {
	// Writer is the writer for results.
	Writer io.Writer

	// Name is the path of the file.
	Name string

	// fp is the underlying writer file.
	fp *os.File

	// gzip is an optional writer for compressed results.
	gzip *gzip.Writer
}

// newFile opens datadir/YYYY/MM/DD/<uuid>.json, with .gz appended when
// compress is set.
func newFile(datadir, uuid string, start time.Time, compress bool) (*File, error) {
	dir := path.Join(datadir, start.UTC().Format("2006/01/02"))
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return nil, err
	}
	name := path.Join(dir, uuid+".json")
	if compress {
		name += ".gz"
	}
	// Every record has a distinct uuid, so O_EXCL only fires on a bug.
	fp, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, err
	}
	if !compress {
		return &File{
			Writer: fp,
			Name:   name,
			fp:     fp,
		}, nil
	}
	writer, err := gzip.NewWriterLevel(fp, gzip.BestSpeed)
	if err != nil {
		fp.Close()
		return nil, err
	}
	return &File{
		Writer: writer,
		Name:   name,
		fp:     fp,
		gzip:   writer,
	}, nil
}

// NewFile creates a file for saving the record of the run identified by
// uuid that started at start. Returns an error in case of failure.
func NewFile(uuid string, datadir string, start time.Time, compress bool) (*File, error) {
	fp, err := newFile(datadir, uuid, start, compress)
	if err != nil {
		logging.Logger.WithError(err).Warn("newFile failed")
		return nil, err
	}
	return fp, nil
}

// Close closes the results file.
func (fp *File) Close() error {
	if fp.gzip != nil {
		err := fp.gzip.Close()
		if err != nil {
			fp.fp.Close()
			return err
		}
	}
	return fp.fp.Close()
}

// WriteResult serializes |result| as JSON.
func (fp *File) WriteResult(result interface{}) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	_, err = fp.Writer.Write(data)
	return err
}
