// Package filesection maps a piece onto the regions of the files it spans.
package filesection

import "io"

// ReadWriterAt is the file handle a Section points into.
type ReadWriterAt interface {
	io.ReaderAt
	io.WriterAt
}

// Section is a region of a single file.
type Section struct {
	File   ReadWriterAt
	Offset int64
	Length int64
}

// Sections are consecutive regions of the concatenated torrent data, possibly in different files.
type Sections []Section

// Length returns the total length of all sections.
func (s Sections) Length() int64 {
	var n int64
	for _, sec := range s {
		n += sec.Length
	}
	return n
}

// ReadAt reads len(p) bytes starting at piece offset off.
func (s Sections) ReadAt(p []byte, off int64) (int, error) {
	return s.each(p, off, func(sec Section, b []byte, secOff int64) (int, error) {
		return sec.File.ReadAt(b, sec.Offset+secOff)
	})
}

// WriteAt writes p starting at piece offset off.
func (s Sections) WriteAt(p []byte, off int64) (int, error) {
	return s.each(p, off, func(sec Section, b []byte, secOff int64) (int, error) {
		n, err := sec.File.WriteAt(b, sec.Offset+secOff)
		if err == nil && n < len(b) {
			err = io.ErrShortWrite
		}
		return n, err
	})
}

// Files returns the distinct file handles in s in order.
func (s Sections) Files() []ReadWriterAt {
	var files []ReadWriterAt
	for _, sec := range s {
		if len(files) > 0 && files[len(files)-1] == sec.File {
			continue
		}
		files = append(files, sec.File)
	}
	return files
}

// each calls fn for the part of every section that overlaps [off, off+len(p)).
func (s Sections) each(p []byte, off int64, fn func(Section, []byte, int64) (int, error)) (int, error) {
	if off < 0 || off+int64(len(p)) > s.Length() {
		return 0, io.ErrUnexpectedEOF
	}
	var done int
	for _, sec := range s {
		if len(p) == 0 {
			break
		}
		if off >= sec.Length {
			off -= sec.Length
			continue
		}
		chunk := p[:min(sec.Length-off, int64(len(p)))]
		n, err := fn(sec, chunk, off)
		done += n
		if err != nil {
			return done, err
		}
		p = p[len(chunk):]
		off = 0
	}
	return done, nil
}
