package domain

import (
	"errors"
	"fmt"
)

// ContentKind is the kind of message a gateway can deliver.
type ContentKind string

const (
	ContentText     ContentKind = "text"
	ContentPhoto    ContentKind = "photo"
	ContentDocument ContentKind = "document"
	ContentVoice    ContentKind = "voice"
	ContentVideo    ContentKind = "video"
)

// ContentKinds enumerates every supported kind.
var ContentKinds = []ContentKind{ContentText, ContentPhoto, ContentDocument, ContentVoice, ContentVideo}

// Payload describes the content of one logical message. Media payloads refer
// to a file already known to the messaging platform.
type Payload struct {
	Kind    ContentKind `json:"kind"`
	Text    string      `json:"text,omitempty"`
	FileID  string      `json:"file_id,omitempty"`
	Caption string      `json:"caption,omitempty"`
}

// Validate checks that the payload carries content for its kind.
func (p Payload) Validate() error {
	switch p.Kind {
	case ContentText:
		if p.Text == "" {
			return errors.New("text payload is empty")
		}
	case ContentPhoto, ContentDocument, ContentVoice, ContentVideo:
		if p.FileID == "" {
			return fmt.Errorf("%s payload has no file id", p.Kind)
		}
	default:
		return fmt.Errorf("unsupported content kind %q", p.Kind)
	}
	return nil
}

// Body returns the human-readable part of the payload.
func (p Payload) Body() string {
	if p.Kind == ContentText {
		return p.Text
	}
	return p.Caption
}

// WithPrefix returns a copy whose text or caption starts with prefix.
// Voice messages carry no caption on most platforms and are returned unchanged.
func (p Payload) WithPrefix(prefix string) Payload {
	switch p.Kind {
	case ContentText:
		p.Text = prefix + p.Text
	case ContentVoice:
	default:
		p.Caption = prefix + p.Caption
	}
	return p
}
