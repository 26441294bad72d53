// Package deck materializes solver deck text from submission payloads.
//
// A deck is the configuration file a solver job runs against. Submissions
// carry the deck in one of three shapes: a base64-encoded blob, raw text, or
// a multi-task template from which exactly one task is selected by rewriting
// marker lines. Materialization is pure: no I/O, no clock, same payload in,
// same deck out.
package deck

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// Materialization errors
var (
	// ErrInvalidPayload indicates the payload cannot produce a deck
	// (no config shape present, undecodable content, missing task name).
	ErrInvalidPayload = errors.New("invalid deck payload")

	// ErrTaskNotFound indicates no marker line in the deck names the
	// requested task.
	ErrTaskNotFound = errors.New("task not found in deck")
)

// Payload is a deck submission. Exactly one of the three config shapes is
// used; when more than one is present they are tried in a fixed priority
// order: ConfigBase64, ConfigText, ConfigTemplateText.
type Payload struct {
	// ConfigText is deck text used verbatim.
	ConfigText string `json:"configText,omitempty"`

	// ConfigBase64 is base64-encoded deck bytes, decoded per Encoding and
	// then task-selected when TaskName is set.
	ConfigBase64 string `json:"configBase64,omitempty"`

	// ConfigTemplateText is a multi-task deck template; TaskName is required.
	ConfigTemplateText string `json:"configTemplateText,omitempty"`

	// TaskName selects one task from a template or decoded deck.
	TaskName string `json:"taskName,omitempty"`

	// Encoding names the byte encoding of the decoded ConfigBase64 blob.
	// Empty means UTF-8. See encoding.go for accepted values.
	Encoding string `json:"encoding,omitempty"`

	// Name is an optional display name for the job, not part of the deck.
	Name string `json:"name,omitempty"`
}

type variant int

const (
	variantNone variant = iota
	variantEncoded
	variantRaw
	variantTemplate
)

// resolve picks the config shape for this payload. The priority order is
// fixed; lower-priority shapes present alongside a higher one are ignored.
func (p Payload) resolve() variant {
	switch {
	case p.ConfigBase64 != "":
		return variantEncoded
	case p.ConfigText != "":
		return variantRaw
	case p.ConfigTemplateText != "":
		return variantTemplate
	default:
		return variantNone
	}
}

// Materialize produces the final deck text for this payload.
//
// Encoded payloads are base64-decoded, decoded per Encoding, and
// task-selected when TaskName is set. Raw text passes through verbatim.
// Template payloads require TaskName and always go through task selection.
// Every materialized deck ends with a line terminator.
//
// All failures wrap ErrInvalidPayload or ErrTaskNotFound.
func (p Payload) Materialize() (string, error) {
	switch p.resolve() {
	case variantEncoded:
		raw, err := base64.StdEncoding.DecodeString(p.ConfigBase64)
		if err != nil {
			return "", fmt.Errorf("%w: configBase64 is not valid base64: %v", ErrInvalidPayload, err)
		}
		text, err := decodeBytes(raw, p.Encoding)
		if err != nil {
			return "", err
		}
		if p.TaskName != "" {
			return SelectTask(text, p.TaskName)
		}
		return ensureTerminated(text), nil

	case variantRaw:
		return ensureTerminated(p.ConfigText), nil

	case variantTemplate:
		if p.TaskName == "" {
			return "", fmt.Errorf("%w: configTemplateText requires taskName", ErrInvalidPayload)
		}
		return SelectTask(p.ConfigTemplateText, p.TaskName)

	default:
		return "", fmt.Errorf("%w: submission must provide configText or configTemplateText", ErrInvalidPayload)
	}
}

// ensureTerminated guarantees a trailing line terminator without ever
// double-terminating text that already ends in a newline.
func ensureTerminated(text string) string {
	if strings.HasSuffix(text, "\n") {
		return text
	}
	return text + "\r\n"
}
