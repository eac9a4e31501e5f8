package upload

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"

	"github.com/lrhodin/chatsync/pkg/chat"
)

// Pending is an attachment staged in the compose area. Exactly one of Data
// or Inline is expected; Inline accepts a data URI or bare base64.
type Pending struct {
	ID          string
	FileName    string
	ContentType string
	Data        []byte
	Inline      string

	// Natural dimensions if the picker already knows them.
	Width  int
	Height int
}

func (p *Pending) displayName() string {
	if p.FileName != "" {
		return p.FileName
	}
	return "attachment"
}

// payload resolves the raw bytes and the declared content type.
func (p *Pending) payload() ([]byte, string, error) {
	if len(p.Data) > 0 || p.Inline == "" {
		return p.Data, p.ContentType, nil
	}
	inline := strings.TrimSpace(p.Inline)
	declared := p.ContentType
	if rest, ok := strings.CutPrefix(inline, "data:"); ok {
		header, encoded, found := strings.Cut(rest, ",")
		if !found {
			return nil, "", fmt.Errorf("%w: malformed data URI", chat.ErrValidation)
		}
		if !strings.HasSuffix(header, ";base64") {
			return nil, "", fmt.Errorf("%w: only base64 data URIs are supported", chat.ErrValidation)
		}
		if mediaType := strings.TrimSuffix(header, ";base64"); mediaType != "" && declared == "" {
			declared = mediaType
		}
		inline = encoded
	}
	data, err := base64.StdEncoding.DecodeString(inline)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(inline)
	}
	if err != nil {
		return nil, "", fmt.Errorf("%w: invalid base64 payload: %v", chat.ErrValidation, err)
	}
	return data, declared, nil
}

func normalizeContentType(contentType string) string {
	contentType, _, _ = strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(contentType))
}

// validate checks size and type, sniffing the type when none was declared.
func validate(data []byte, declared string, maxBytes int64) (chat.MediaKind, string, error) {
	if len(data) == 0 {
		return "", "", fmt.Errorf("%w: file is empty", chat.ErrValidation)
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return "", "", fmt.Errorf("%w: file is %s, the limit is %s", chat.ErrValidation,
			humanize.IBytes(uint64(len(data))), humanize.IBytes(uint64(maxBytes)))
	}
	contentType := normalizeContentType(declared)
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = normalizeContentType(mimetype.Detect(data).String())
	}
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return chat.MediaImage, contentType, nil
	case strings.HasPrefix(contentType, "video/"):
		return chat.MediaVideo, contentType, nil
	default:
		return "", "", fmt.Errorf("%w: unsupported file type %q", chat.ErrValidation, contentType)
	}
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "video/quicktime":
		return ".mov"
	}
	if m := mimetype.Lookup(contentType); m != nil && m.Extension() != "" {
		return m.Extension()
	}
	return ".bin"
}
