package download

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jkaninda/toolrun/internal/sandbox"
)

// Recognized archive formats, longest suffix first.
var archiveFormats = []string{".tar.gz", ".tgz", ".tar", ".zip"}

// errTooLarge is returned when extracted content exceeds the configured cap.
var errTooLarge = errors.New("archive content exceeds size limit")

// archiveFormat returns the archive suffix of name, or "" when it is not an archive.
func archiveFormat(name string) string {
	lower := strings.ToLower(name)
	for _, ext := range archiveFormats {
		if strings.HasSuffix(lower, ext) && len(lower) > len(ext) {
			return ext
		}
	}
	return ""
}

// extractTarget returns the sibling directory an archive at path extracts into.
func extractTarget(path, format string) string {
	return path[:len(path)-len(format)]
}

// extract unpacks the archive at src into dst, replacing dst if it exists.
// Entries are staged in a temporary sibling directory, so a failed extraction
// leaves any previous dst untouched. Returns the number of files written.
func extract(src, dst, format string, maxBytes int64) (int, error) {
	staging, err := os.MkdirTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".extract-*")
	if err != nil {
		return 0, fmt.Errorf("creating staging directory: %w", err)
	}
	defer os.RemoveAll(staging) // no-op after a successful rename

	b := &budget{remaining: maxBytes}
	var n int
	switch format {
	case ".zip":
		n, err = extractZip(src, staging, b)
	case ".tar":
		n, err = extractTar(src, staging, false, b)
	case ".tar.gz", ".tgz":
		n, err = extractTar(src, staging, true, b)
	default:
		err = fmt.Errorf("unsupported archive format %q", format)
	}
	if err != nil {
		return 0, err
	}

	if err := os.Chmod(staging, 0750); err != nil {
		return 0, err
	}
	if err := os.RemoveAll(dst); err != nil {
		return 0, fmt.Errorf("removing previous extraction: %w", err)
	}
	if err := os.Rename(staging, dst); err != nil {
		return 0, fmt.Errorf("moving extraction into place: %w", err)
	}
	return n, nil
}

type budget struct{ remaining int64 }

// copy writes at most the remaining budget from r to w.
func (b *budget) copy(w io.Writer, r io.Reader) error {
	n, err := io.Copy(w, io.LimitReader(r, b.remaining+1))
	b.remaining -= n
	if err != nil {
		return err
	}
	if b.remaining < 0 {
		return errTooLarge
	}
	return nil
}

// entryPath joins an archive entry name onto dir, rejecting entries that
// would land outside it (zip-slip).
func entryPath(dir, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: archive entry %q escapes the extraction directory", sandbox.ErrViolation, name)
	}
	return filepath.Join(dir, clean), nil
}

func writeEntry(path string, r io.Reader, mode os.FileMode, b *budget) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm()|0600)
	if err != nil {
		return err
	}
	if err := b.copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func extractZip(src, dir string, b *budget) (int, error) {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return 0, fmt.Errorf("opening zip: %w", err)
	}
	defer zr.Close()

	files := 0
	for _, f := range zr.File {
		target, err := entryPath(dir, f.Name)
		if err != nil {
			return 0, err
		}
		mode := f.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, 0750); err != nil {
				return 0, err
			}
		case mode.IsRegular():
			rc, err := f.Open()
			if err != nil {
				return 0, fmt.Errorf("opening %s: %w", f.Name, err)
			}
			err = writeEntry(target, rc, mode, b)
			rc.Close()
			if err != nil {
				return 0, fmt.Errorf("extracting %s: %w", f.Name, err)
			}
			files++
		default:
			// Symlinks and devices are skipped.
		}
	}
	return files, nil
}

func extractTar(src, dir string, gzipped bool, b *budget) (int, error) {
	f, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var r io.Reader = f
	if gzipped {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return 0, fmt.Errorf("opening gzip stream: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	tr := tar.NewReader(r)
	files := 0
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return files, nil
		}
		if err != nil {
			return 0, fmt.Errorf("reading tar: %w", err)
		}
		target, err := entryPath(dir, hdr.Name)
		if err != nil {
			return 0, err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0750); err != nil {
				return 0, err
			}
		case tar.TypeReg:
			if err := writeEntry(target, tr, os.FileMode(hdr.Mode), b); err != nil {
				return 0, fmt.Errorf("extracting %s: %w", hdr.Name, err)
			}
			files++
		default:
			// Links and special files are skipped.
		}
	}
}
