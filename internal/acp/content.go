package acp

import (
	"encoding/json"
	"fmt"
)

// Content block discriminators.
const (
	ContentText         = "text"
	ContentImage        = "image"
	ContentAudio        = "audio"
	ContentResourceLink = "resource_link"
	ContentResource     = "resource"
)

// Annotations is the optional annotation block a content block may carry.
type Annotations struct {
	Audience     []string `json:"audience,omitempty"`
	Priority     *float64 `json:"priority,omitempty"`
	LastModified string   `json:"lastModified,omitempty"`
}

// ContentBlock is the discriminated content union shared between prompt
// input and streamed output. Backends attach fields this struct does not
// model, so the original frame is retained on unmarshal and re-emitted
// verbatim on marshal: content crossing the bridge in either direction
// round-trips bit-for-bit.
type ContentBlock struct {
	Type        string          `json:"type"`
	Text        string          `json:"text,omitempty"`
	Data        string          `json:"data,omitempty"`
	MimeType    string          `json:"mimeType,omitempty"`
	URI         string          `json:"uri,omitempty"`
	Name        string          `json:"name,omitempty"`
	Title       string          `json:"title,omitempty"`
	Description string          `json:"description,omitempty"`
	Resource    json.RawMessage `json:"resource,omitempty"`
	Annotations *Annotations    `json:"annotations,omitempty"`
	Meta        json.RawMessage `json:"_meta,omitempty"`

	raw json.RawMessage
}

// TextBlock builds a plain text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: ContentText, Text: text}
}

// Valid reports whether the discriminator is one the protocol defines.
func (b *ContentBlock) Valid() bool {
	switch b.Type {
	case ContentText, ContentImage, ContentAudio, ContentResourceLink, ContentResource:
		return true
	}
	return false
}

func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	type plain ContentBlock
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*b = ContentBlock(p)
	if b.Type == "" {
		return fmt.Errorf("content block missing type")
	}
	b.raw = append(json.RawMessage(nil), data...)
	return nil
}

func (b ContentBlock) MarshalJSON() ([]byte, error) {
	if b.raw != nil {
		return b.raw, nil
	}
	type plain ContentBlock
	return json.Marshal(plain(b))
}
