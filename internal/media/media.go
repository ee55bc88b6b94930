// Package media implements the ingest pipeline's media-enrichment step:
// downloading a referenced blob and folding derived text back into the
// item before scrubbing and fingerprinting.
package media

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Kind classifies a media reference by how it must be enriched.
type Kind string

const (
	KindPDF   Kind = "pdf"
	KindImage Kind = "image"
	KindAudio Kind = "audio"
	KindOther Kind = "other"
)

// Ref is a normalized reference to a media blob attached to an IngestRecord.
type Ref struct {
	URL      string
	Filename string
	MimeType string
}

// ClassifyKind inspects a Ref's declared mime type (falling back to the
// filename extension) and returns its enrichment Kind.
func ClassifyKind(ref Ref) Kind {
	mt := ref.MimeType
	if mt == "" {
		mt = mime.TypeByExtension(filepath.Ext(ref.Filename))
	}
	switch {
	case mt == "application/pdf" || strings.HasSuffix(strings.ToLower(ref.Filename), ".pdf"):
		return KindPDF
	case strings.HasPrefix(mt, "image/"):
		return KindImage
	case strings.HasPrefix(mt, "audio/"):
		return KindAudio
	default:
		return KindOther
	}
}

// SniffKind re-classifies a downloaded blob by its actual bytes rather
// than the declared (and sometimes absent or wrong) mime type, using the
// same content-sniffing approach as a plain "read the first 512 bytes"
// MIME detector.
func SniffKind(localPath string) Kind {
	f, err := os.Open(localPath)
	if err != nil {
		return KindOther
	}
	defer f.Close()

	buf := make([]byte, 512)
	n, _ := f.Read(buf)
	if n == 0 {
		return KindOther
	}

	mt := http.DetectContentType(buf[:n])
	switch {
	case mt == "application/pdf":
		return KindPDF
	case strings.HasPrefix(mt, "image/"):
		return KindImage
	case strings.HasPrefix(mt, "audio/"):
		return KindAudio
	default:
		return KindOther
	}
}

// PDFSentinel is appended to raw_text when a PDF is deferred for later
// forced re-analysis rather than processed immediately (§4.2 step 3a).
const PDFSentinel = "[PDF DOCUMENT]"

// Enricher extracts appended text from a downloaded media strategy
// (OCR for images, transcription for audio). Implementations must be
// safe for concurrent use.
type Enricher interface {
	Extract(ctx context.Context, path string) (string, error)
}

// Downloader fetches a Ref to local disk under dir, returning the local
// path, streaming directly to avoid buffering large blobs in memory.
type Downloader struct {
	Client *http.Client
	Dir    string
}

// NewDownloader constructs a Downloader with the given timeout and
// destination directory, creating the directory if absent.
func NewDownloader(dir string, timeout time.Duration) (*Downloader, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	return &Downloader{
		Client: &http.Client{Timeout: timeout},
		Dir:    dir,
	}, nil
}

// Download fetches ref.URL and writes it under d.Dir, naming the file
// after a caller-supplied stable key (so repeated references to the same
// blob skip re-downloading).
func (d *Downloader) Download(ctx context.Context, key string, ref Ref) (string, error) {
	basePattern := filepath.Join(d.Dir, key)
	if matches, _ := filepath.Glob(basePattern + "*"); len(matches) > 0 {
		return matches[0], nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.URL, nil)
	if err != nil {
		return "", fmt.Errorf("build media request: %w", err)
	}

	resp, err := d.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download media: status %d", resp.StatusCode)
	}

	ext := filepath.Ext(ref.Filename)
	if ext == "" {
		if exts, _ := mime.ExtensionsByType(resp.Header.Get("Content-Type")); len(exts) > 0 {
			ext = exts[0]
		}
	}

	localPath := basePattern + ext
	out, err := os.Create(localPath)
	if err != nil {
		return "", fmt.Errorf("create local media file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return "", fmt.Errorf("write media file: %w", err)
	}

	return localPath, nil
}

// StubOCR is a placeholder image-text extractor: it performs no OCR and
// returns an "[image attached: <file name>]" marker without erroring the
// pipeline. A real OCR engine plugs in by implementing Enricher and being
// passed to ingest.New through ingest.Enrichers.
type StubOCR struct{}

func (StubOCR) Extract(_ context.Context, path string) (string, error) {
	return fmt.Sprintf("[image attached: %s]", filepath.Base(path)), nil
}

// StubTranscriber is a placeholder audio-text extractor, analogous to
// StubOCR.
type StubTranscriber struct{}

func (StubTranscriber) Extract(_ context.Context, path string) (string, error) {
	return fmt.Sprintf("[audio attached: %s]", filepath.Base(path)), nil
}
