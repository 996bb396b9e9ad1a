// Package audio prepares captured audio for upload.
//
// Freesound accepts wav, aiff, flac, ogg, mp3 and m4a. Recordings arrive with
// the MIME type reported at capture time, which is not always trustworthy, so
// the Sniffer looks at the payload's magic bytes first and only falls back to
// the declared type when the bytes are inconclusive.
package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrUnsupportedFormat is returned for payloads Freesound would reject.
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// File is an upload-ready audio file.
type File struct {
	Name        string // file name including extension
	ContentType string
	Data        []byte
}

// Converter turns a recording's payload into an upload-ready file.
type Converter interface {
	Convert(ctx context.Context, name string, data []byte, mimeType string) (File, error)
}

// Format describes one accepted container.
type Format struct {
	Ext         string
	ContentType string
}

var (
	FormatWAV  = Format{Ext: "wav", ContentType: "audio/wav"}
	FormatMP3  = Format{Ext: "mp3", ContentType: "audio/mpeg"}
	FormatOGG  = Format{Ext: "ogg", ContentType: "audio/ogg"}
	FormatFLAC = Format{Ext: "flac", ContentType: "audio/flac"}
	FormatAIFF = Format{Ext: "aiff", ContentType: "audio/aiff"}
	FormatM4A  = Format{Ext: "m4a", ContentType: "audio/mp4"}
)

// byMime maps declared MIME types (parameters stripped) to formats.
var byMime = map[string]Format{
	"audio/wav":       FormatWAV,
	"audio/wave":      FormatWAV,
	"audio/x-wav":     FormatWAV,
	"audio/mpeg":      FormatMP3,
	"audio/mp3":       FormatMP3,
	"audio/ogg":       FormatOGG,
	"application/ogg": FormatOGG,
	"audio/flac":      FormatFLAC,
	"audio/x-flac":    FormatFLAC,
	"audio/aiff":      FormatAIFF,
	"audio/x-aiff":    FormatAIFF,
	"audio/mp4":       FormatM4A,
	"audio/m4a":       FormatM4A,
	"audio/x-m4a":     FormatM4A,
}

// ByExt returns the format for a file extension or Freesound sound type
// ("wav", ".flac", "MP3").
func ByExt(ext string) (Format, bool) {
	ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
	switch ext {
	case "aif":
		ext = "aiff"
	case "mp4":
		ext = "m4a"
	}
	for _, f := range []Format{FormatWAV, FormatMP3, FormatOGG, FormatFLAC, FormatAIFF, FormatM4A} {
		if f.Ext == ext {
			return f, true
		}
	}
	return Format{}, false
}

// Sniffer is the default Converter. It never re-encodes: it validates the
// container and names the file after it.
type Sniffer struct{}

// Convert implements Converter.
func (Sniffer) Convert(ctx context.Context, name string, data []byte, mimeType string) (File, error) {
	if err := ctx.Err(); err != nil {
		return File{}, err
	}
	if len(data) == 0 {
		return File{}, fmt.Errorf("recording %q has no audio data", name)
	}

	format, err := Detect(data, mimeType)
	if err != nil {
		return File{}, fmt.Errorf("recording %q: %w", name, err)
	}

	return File{
		Name:        FileName(name, format),
		ContentType: format.ContentType,
		Data:        data,
	}, nil
}

// Detect identifies the container of data, preferring magic bytes over the
// declared MIME type.
func Detect(data []byte, mimeType string) (Format, error) {
	if f, ok := sniff(data); ok {
		return f, nil
	}
	if isWebM(data) {
		return Format{}, fmt.Errorf("%w: webm", ErrUnsupportedFormat)
	}

	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	if f, ok := byMime[mt]; ok {
		return f, nil
	}
	if mt == "" {
		mt = "unknown"
	}
	return Format{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, mt)
}

func sniff(data []byte) (Format, bool) {
	switch {
	case len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")):
		return FormatWAV, true
	case len(data) >= 12 && bytes.Equal(data[0:4], []byte("FORM")) &&
		(bytes.Equal(data[8:12], []byte("AIFF")) || bytes.Equal(data[8:12], []byte("AIFC"))):
		return FormatAIFF, true
	case bytes.HasPrefix(data, []byte("OggS")):
		return FormatOGG, true
	case bytes.HasPrefix(data, []byte("fLaC")):
		return FormatFLAC, true
	case bytes.HasPrefix(data, []byte("ID3")):
		return FormatMP3, true
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		// MPEG audio frame sync
		return FormatMP3, true
	case len(data) >= 8 && bytes.Equal(data[4:8], []byte("ftyp")):
		return FormatM4A, true
	}
	return Format{}, false
}

func isWebM(data []byte) bool {
	return bytes.HasPrefix(data, []byte{0x1A, 0x45, 0xDF, 0xA3})
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// FileName builds a filesystem and multipart safe name for an upload.
func FileName(name string, format Format) string {
	base := strings.TrimSpace(name)
	if ext := "." + format.Ext; strings.HasSuffix(strings.ToLower(base), ext) {
		base = base[:len(base)-len(ext)]
	}
	base = unsafeChars.ReplaceAllString(base, "_")
	base = strings.Trim(base, "_.")
	if base == "" {
		base = "recording"
	}
	if len(base) > 100 {
		base = base[:100]
	}
	return base + "." + format.Ext
}
