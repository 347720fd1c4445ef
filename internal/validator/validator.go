package validator

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"mime"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

var (
	// ErrTooSmall rejects bodies below the configured size floor.
	ErrTooSmall = errors.New("image below minimum size")
	// ErrUndecodable rejects bodies no registered image decoder recognises.
	ErrUndecodable = errors.New("not a decodable image")
	// ErrFormatNotAllowed rejects images of a format outside the allowed list.
	ErrFormatNotAllowed = errors.New("image format not allowed")
)

// Result is the verdict on one downloaded body.
type Result struct {
	Accepted bool
	Reason   error
	Format   string
	Width    int
	Height   int
}

// Validator decides whether bytes are an acceptable image.
type Validator struct {
	minSize int
	allowed map[string]struct{}
}

// New builds a validator. An empty format list allows every decodable format.
func New(minSize int, formats []string) *Validator {
	allowed := make(map[string]struct{}, len(formats))
	for _, f := range formats {
		f = normaliseFormat(f)
		if f != "" {
			allowed[f] = struct{}{}
		}
	}
	return &Validator{minSize: minSize, allowed: allowed}
}

// Validate checks the size floor first, then the decoded format.
func (v *Validator) Validate(data []byte) Result {
	if len(data) < v.minSize {
		return Result{Reason: fmt.Errorf("%w: %d < %d bytes", ErrTooSmall, len(data), v.minSize)}
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Result{Reason: fmt.Errorf("%w: %v", ErrUndecodable, err)}
	}
	format = normaliseFormat(format)
	res := Result{Format: format, Width: cfg.Width, Height: cfg.Height}
	if !v.Allows(format) {
		res.Reason = fmt.Errorf("%w: %s", ErrFormatNotAllowed, format)
		return res
	}
	res.Accepted = true
	return res
}

// Allows reports whether format (or a file extension) is on the allowed list.
func (v *Validator) Allows(format string) bool {
	if len(v.allowed) == 0 {
		return true
	}
	_, ok := v.allowed[normaliseFormat(format)]
	return ok
}

// IsImageContentType reports whether a response with this Content-Type is
// worth validating. CDNs frequently label images as octet-stream or omit the
// header, so both are accepted.
func IsImageContentType(ct string) bool {
	ct = strings.TrimSpace(ct)
	if ct == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.SplitN(ct, ";", 2)[0]))
	}
	return strings.HasPrefix(mediaType, "image/") || mediaType == "application/octet-stream"
}

func normaliseFormat(f string) string {
	f = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(f), "."))
	if f == "jpeg" {
		return "jpg"
	}
	return f
}
