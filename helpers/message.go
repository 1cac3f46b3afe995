package helpers

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/k3a/html2text"
)

// TextPart is one decoded non-multipart section of a message.
type TextPart struct {
	MediaType string
	Text      string
}

// ReadEntity parses a raw message into a go-message entity. Unknown charsets
// are tolerated; the entity then yields the undecoded text.
func ReadEntity(raw []byte) (*message.Entity, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("error parsing message: %v", err)
	}
	return entity, nil
}

// TextParts traverses the MIME structure of the message and returns every
// non-multipart section decoded to text. text/html sections are converted to
// plain text; non-text sections are returned as raw strings.
func TextParts(raw []byte) ([]TextPart, error) {
	entity, err := ReadEntity(raw)
	if err != nil {
		return nil, err
	}

	var parts []TextPart

	var walk func(*message.Entity) error
	walk = func(e *message.Entity) error {
		mediaType, _, _ := e.Header.ContentType()

		if strings.HasPrefix(mediaType, "multipart/") {
			mr := e.MultipartReader()
			if mr == nil {
				return fmt.Errorf("nil multipart reader for multipart content type")
			}
			for {
				p, err := mr.NextPart()
				if err == io.EOF {
					break
				}
				if err != nil && !message.IsUnknownCharset(err) {
					return fmt.Errorf("error reading multipart: %v", err)
				}
				if p == nil {
					break
				}
				if err := walk(p); err != nil {
					return err
				}
			}
			return nil
		}

		content, err := io.ReadAll(e.Body)
		if err != nil {
			// Treat undecodable content as absent rather than failing the
			// whole traversal.
			return nil
		}

		text := string(content)
		if mediaType == "text/html" {
			text = html2text.HTML2Text(text)
		}
		parts = append(parts, TextPart{MediaType: mediaType, Text: text})
		return nil
	}

	if err := walk(entity); err != nil {
		return nil, err
	}
	return parts, nil
}

// FirstTextPlainPart returns the decoded body of the first text/plain
// section. The second return value reports whether such a section exists.
func FirstTextPlainPart(raw []byte) (string, bool, error) {
	parts, err := TextParts(raw)
	if err != nil {
		return "", false, err
	}
	for _, p := range parts {
		mediaType := p.MediaType
		if mediaType == "" {
			// No Content-Type header means text/plain per RFC 2045.
			mediaType = "text/plain"
		}
		if mediaType == "text/plain" {
			return p.Text, true, nil
		}
	}
	return "", false, nil
}
