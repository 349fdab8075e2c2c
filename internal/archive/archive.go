// Package archive opens a Nordic DFU distribution package (a ZIP file
// holding manifest.json plus init-packet/firmware pairs) and exposes each
// referenced entry as a resumable byte stream.
package archive

import (
	"archive/zip"
	"encoding/json"
	"io"

	"github.com/nrfdfu/nrfdfu/internal/dfuerr"
)

// manifestFile mirrors one {"dat_file":..., "bin_file":...} leaf of
// manifest.json.
type manifestFile struct {
	DatFile string `json:"dat_file"`
	BinFile string `json:"bin_file"`
}

type manifestDoc struct {
	Manifest struct {
		Application         *manifestFile `json:"application"`
		SoftdeviceBootloader *manifestFile `json:"softdevice_bootloader"`
		Bootloader           *manifestFile `json:"bootloader"`
	} `json:"manifest"`
}

// Pair is one init-packet/firmware pair resolved from the manifest.
type Pair struct {
	Init     *Stream
	Firmware *Stream
}

// Archive is an opened DFU package. Call Close when done.
type Archive struct {
	zr  *zip.ReadCloser
	App *Pair // nil if the manifest has no "application" entry
	SDBL *Pair // nil if the manifest has neither "softdevice_bootloader" nor "bootloader"
}

// Open opens path as a ZIP archive and resolves manifest.json.
func Open(path string) (*Archive, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, dfuerr.Wrap(dfuerr.ArchiveError, err, "cannot open DFU package")
	}

	doc, err := readManifest(zr)
	if err != nil {
		zr.Close()
		return nil, err
	}

	a := &Archive{zr: zr}

	if doc.Manifest.Application != nil {
		pair, err := resolvePair(zr, doc.Manifest.Application)
		if err != nil {
			zr.Close()
			return nil, err
		}
		a.App = pair
	}

	sdbl := doc.Manifest.SoftdeviceBootloader
	if sdbl == nil {
		sdbl = doc.Manifest.Bootloader
	}
	if sdbl != nil {
		pair, err := resolvePair(zr, sdbl)
		if err != nil {
			zr.Close()
			return nil, err
		}
		a.SDBL = pair
	}

	if a.App == nil && a.SDBL == nil {
		zr.Close()
		return nil, dfuerr.New(dfuerr.ArchiveError, "manifest has neither application nor softdevice_bootloader/bootloader entry")
	}

	return a, nil
}

// Close releases the underlying ZIP reader.
func (a *Archive) Close() error {
	return a.zr.Close()
}

func readManifest(zr *zip.ReadCloser) (*manifestDoc, error) {
	f, err := findEntry(zr, "manifest.json")
	if err != nil {
		return nil, err
	}
	rc, err := f.Open()
	if err != nil {
		return nil, dfuerr.Wrap(dfuerr.ArchiveError, err, "cannot open manifest.json")
	}
	defer rc.Close()

	var doc manifestDoc
	if err := json.NewDecoder(rc).Decode(&doc); err != nil {
		return nil, dfuerr.Wrap(dfuerr.ArchiveError, err, "manifest.json is not valid JSON")
	}
	return &doc, nil
}

func resolvePair(zr *zip.ReadCloser, mf *manifestFile) (*Pair, error) {
	if mf.DatFile == "" || mf.BinFile == "" {
		return nil, dfuerr.New(dfuerr.ArchiveError, "manifest entry missing dat_file or bin_file")
	}
	init, err := newStream(zr, mf.DatFile)
	if err != nil {
		return nil, err
	}
	fw, err := newStream(zr, mf.BinFile)
	if err != nil {
		return nil, err
	}
	return &Pair{Init: init, Firmware: fw}, nil
}

func findEntry(zr *zip.ReadCloser, name string) (*zip.File, error) {
	for _, f := range zr.File {
		if f.Name == name {
			return f, nil
		}
	}
	return nil, dfuerr.Newf(dfuerr.ArchiveError, "DFU package does not contain %s", name)
}

// Stream is a lazily-opened, seek-to-start-capable reader over one ZIP
// entry. zip.File's own reader supports only sequential forward reads, so
// Seek(0, io.SeekStart) is implemented by discarding the current reader and
// reopening the entry; any other seek is rejected.
type Stream struct {
	file *zip.File
	rc   io.ReadCloser
	size uint64
}

func newStream(zr *zip.ReadCloser, name string) (*Stream, error) {
	f, err := findEntry(zr, name)
	if err != nil {
		return nil, err
	}
	return &Stream{file: f, size: f.UncompressedSize64}, nil
}

// Size returns the entry's uncompressed size in bytes.
func (s *Stream) Size() uint64 { return s.size }

// Read implements io.Reader, opening the entry on first use.
func (s *Stream) Read(p []byte) (int, error) {
	if s.rc == nil {
		rc, err := s.file.Open()
		if err != nil {
			return 0, dfuerr.Wrap(dfuerr.ArchiveError, err, "cannot open archive entry "+s.file.Name)
		}
		s.rc = rc
	}
	n, err := s.rc.Read(p)
	if err != nil && err != io.EOF {
		err = dfuerr.Wrap(dfuerr.ArchiveError, err, "read failed on archive entry "+s.file.Name)
	}
	return n, err
}

// Seek supports only seeking to the start of the entry, which is all
// object-transfer resumption requires: rewinding to recompute CRC from
// offset 0 after a partial-resume mismatch.
func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	if offset != 0 || whence != io.SeekStart {
		return 0, dfuerr.New(dfuerr.ArchiveError, "archive entry streams only support seeking to the start")
	}
	if s.rc != nil {
		s.rc.Close()
		s.rc = nil
	}
	rc, err := s.file.Open()
	if err != nil {
		return 0, dfuerr.Wrap(dfuerr.ArchiveError, err, "cannot reopen archive entry "+s.file.Name)
	}
	s.rc = rc
	return 0, nil
}

// Close releases the entry's underlying reader, if one was opened.
func (s *Stream) Close() error {
	if s.rc == nil {
		return nil
	}
	err := s.rc.Close()
	s.rc = nil
	return err
}
