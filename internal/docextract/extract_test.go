package docextract_test

import (
	"context"
	"testing"

	"github.com/h-amg/job-tracker/internal/docextract"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractor_ExtractText(t *testing.T) {
	tests := []struct {
		name      string
		filename  string
		data      []byte
		contains  string
		expectErr error
	}{
		{name: "PlainText", filename: "resume.txt", data: []byte("  Go engineer\r\nPostgres  "), contains: "Go engineer\nPostgres"},
		{name: "Markdown", filename: "resume.md", data: []byte("# Ada\n- Go"), contains: "# Ada"},
		{name: "UnknownExtensionText", filename: "resume", data: []byte("Kubernetes"), contains: "Kubernetes"},
		{name: "HTML", filename: "resume.html", data: []byte("<html><body><p>Distributed systems</p></body></html>"), contains: "Distributed systems"},
		{name: "Empty", filename: "resume.txt", data: nil, expectErr: docextract.ErrNoText},
		{name: "Whitespace", filename: "resume.txt", data: []byte(" \n\t "), expectErr: docextract.ErrNoText},
	}
	extractor := docextract.New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, err := extractor.ExtractText(context.Background(), tt.data, tt.filename)
			if tt.expectErr != nil {
				assert.ErrorIs(t, err, tt.expectErr)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, text, tt.contains)
		})
	}

	t.Run("BinaryWithUnknownExtension", func(t *testing.T) {
		_, err := extractor.ExtractText(context.Background(), []byte{0xff, 0xfe, 0x00, 0x81}, "resume.bin")
		assert.Error(t, err)
	})

	t.Run("CancelledContext", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := extractor.ExtractText(ctx, []byte("text"), "resume.txt")
		assert.ErrorIs(t, err, context.Canceled)
	})
}
