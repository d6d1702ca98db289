// Package docextract turns uploaded resumes into plain text.
package docextract

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"code.sajari.com/docconv"
	"github.com/pkg/errors"
)

var ErrNoText = errors.New("document contains no text")

type Extractor struct{}

func New() *Extractor {
	return &Extractor{}
}

// ExtractText converts PDF, Word, RTF, ODT and HTML documents through docconv.
// Plain text is returned as is, as is any UTF-8 file with an unknown
// extension.
func (e *Extractor) ExtractText(ctx context.Context, data []byte, filename string) (string, error) {
	if len(data) == 0 {
		return "", errors.Wrapf(ErrNoText, "%s is empty", filename)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	ext := strings.ToLower(filepath.Ext(filename))
	mimeType := docconv.MimeTypeByExtension(filename)
	switch {
	case ext == ".txt" || ext == ".md":
		return clean(string(data), filename)
	case mimeType == "application/octet-stream":
		if utf8.Valid(data) {
			return clean(string(data), filename)
		}
		return "", errors.Errorf("unsupported document type %q", ext)
	}

	res, err := docconv.Convert(bytes.NewReader(data), mimeType, false)
	if err != nil {
		return "", errors.Wrapf(err, "failed to convert %s", filename)
	}
	return clean(res.Body, filename)
}

func clean(text, filename string) (string, error) {
	text = strings.TrimSpace(strings.ReplaceAll(text, "\r\n", "\n"))
	if text == "" {
		return "", errors.Wrapf(ErrNoText, "%s", filename)
	}
	return text, nil
}
