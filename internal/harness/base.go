package harness

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/ship-commander/agentvisor/internal/stream"
)

// Dialect is the part of a provider's output format that differs between
// CLIs.
type Dialect struct {
	// SessionIDPaths are gjson paths tried in order for a session id.
	SessionIDPaths []string
	// ContentKey returns the dedupe key of a structured value. Nil uses
	// DefaultContentKey.
	ContentKey func(v gjson.Result) string
	// ExtraShapes are appended to the base terminal-shape table.
	ExtraShapes []Shape
	// AllowArrays lets top-level JSON arrays through the extractor. The
	// shipped dialects leave it off: their CLIs print NDJSON objects and
	// bracketed log prefixes such as "[INFO]".
	AllowArrays bool
}

// Base implements the provider behaviour shared by every dialect. Concrete
// providers embed it and add BuildArgs plus any stricter validation.
type Base struct {
	desc     Descriptor
	resolver *Resolver
	dialect  Dialect
	shapes   []Shape
}

// NewBase assembles the shared provider behaviour.
func NewBase(desc Descriptor, resolver *Resolver, dialect Dialect) Base {
	shapes := DefaultShapes()
	shapes = append(shapes, dialect.ExtraShapes...)
	if dialect.ContentKey == nil {
		dialect.ContentKey = DefaultContentKey
	}
	return Base{
		desc:     desc,
		resolver: resolver,
		dialect:  dialect,
		shapes:   shapes,
	}
}

// Descriptor returns the immutable provider identity.
func (b Base) Descriptor() Descriptor {
	return b.desc
}

// Info merges the descriptor with the embedded catalog entry.
func (b Base) Info() Info {
	info := Info{
		Name:         b.desc.Name,
		DisplayName:  b.desc.DisplayName,
		Capabilities: b.desc.Capabilities,
	}
	if entry, ok := LookupCatalog(b.desc.Name); ok {
		info.Version = entry.Version
		info.Description = entry.Description
		info.SupportedModels = append([]string(nil), entry.SupportedModels...)
	}
	return info
}

// ResolveCLIPath returns the absolute path of the provider binary.
func (b Base) ResolveCLIPath() (string, error) {
	if b.resolver == nil {
		return "", &NotFoundError{Binary: b.desc.Name}
	}
	return b.resolver.Resolve()
}

// CheckAvailability never fails; a missing binary is reported in the answer.
func (b Base) CheckAvailability() Availability {
	path, err := b.ResolveCLIPath()
	return availabilityFor(b.desc, path, err)
}

// ValidateOptions applies the checks every provider shares.
func (b Base) ValidateOptions(opts RunOptions) Validation {
	if err := ValidateBase(opts); err != nil {
		return Validation{Err: err}
	}
	return Validation{Valid: true}
}

// ValidateBase rejects options no provider can run: a missing working
// directory, or neither a message nor a session to resume.
func ValidateBase(opts RunOptions) error {
	workDir := strings.TrimSpace(opts.WorkDir)
	if workDir == "" {
		return &ValidationError{Field: "work_dir", Reason: "is required"}
	}
	info, err := os.Stat(workDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &ValidationError{Field: "work_dir", Reason: "does not exist"}
		}
		return &ValidationError{Field: "work_dir", Reason: err.Error()}
	}
	if !info.IsDir() {
		return &ValidationError{Field: "work_dir", Reason: "is not a directory"}
	}
	if strings.TrimSpace(opts.Message) == "" && strings.TrimSpace(opts.SessionID) == "" {
		return &ValidationError{Field: "message", Reason: "message or session id is required"}
	}
	if opts.Timeout < 0 {
		return &ValidationError{Field: "timeout", Reason: "must not be negative"}
	}
	return nil
}

// ExtractOptions configures the extractor for this dialect.
func (b Base) ExtractOptions() stream.Options {
	return stream.Options{ObjectsOnly: !b.dialect.AllowArrays}
}

// SuccessShapes returns the base table followed by the dialect rows.
func (b Base) SuccessShapes() []Shape {
	out := make([]Shape, len(b.shapes))
	copy(out, b.shapes)
	return out
}

// ExtractSessionID returns the first non-empty session field of raw.
func (b Base) ExtractSessionID(raw []byte) string {
	if !gjson.ValidBytes(raw) {
		return ""
	}
	v := gjson.ParseBytes(raw)
	for _, path := range b.dialect.SessionIDPaths {
		field := v.Get(path)
		if field.Type == gjson.String {
			if id := strings.TrimSpace(field.Str); id != "" {
				return id
			}
		}
	}
	return ""
}

// ClassifyExit reports an error for a nonzero code or a terminating signal.
// A clean zero exit is never an error here; dialects that can fail with
// status 0 override this.
func (b Base) ClassifyExit(code int, signal string) ExitStatus {
	status := ExitStatus{Code: code, Signal: signal}
	switch {
	case signal != "":
		status.Err = fmt.Errorf("%s terminated by signal %s", b.desc.Name, signal)
	case code != 0:
		status.Err = fmt.Errorf("%s exited with code %d", b.desc.Name, code)
	}
	return status
}

// ContentKey returns the dedupe key of a structured value.
func (b Base) ContentKey(raw []byte) string {
	if !gjson.ValidBytes(raw) {
		return ""
	}
	return b.dialect.ContentKey(gjson.ParseBytes(raw))
}

// ParseOutput appends an already sanitized chunk to pc and returns what can
// be decided so far, in stream order: complete structured values and whole
// plain-text lines. Text that may still be the start of a structured value
// stays in pc for the next call, so nothing is emitted twice.
func (b Base) ParseOutput(chunk string, pc *stream.Context) []OutputItem {
	if pc == nil {
		return nil
	}
	pc.Append(chunk)
	buf := pc.Buffer()
	if buf == "" {
		return nil
	}

	ex := stream.Extract(buf, b.ExtractOptions())

	var items []OutputItem
	cursor := 0
	for _, item := range ex.Items {
		items = appendTextLines(items, buf[cursor:item.Start])
		items = append(items, b.structuredItem(item.JSON, pc))
		cursor = item.End
	}

	// Discarded spans are ordinary text and only leave with their whole
	// line. A value that may still be arriving holds back its line.
	limit := len(buf)
	switch {
	case ex.Truncated:
		limit = max(cursor, ex.Consumed)
	case ex.Pending >= cursor:
		limit = ex.Pending
	}
	if nl := strings.LastIndexByte(buf[cursor:limit], '\n'); nl >= 0 {
		items = appendTextLines(items, buf[cursor:cursor+nl+1])
		cursor += nl + 1
	}

	pc.Consume(cursor)
	return items
}

// FlushOutput drains pc at process exit. A last extraction pass runs first;
// whatever remains is returned as plain text.
func (b Base) FlushOutput(pc *stream.Context) []OutputItem {
	if pc == nil {
		return nil
	}
	items := b.ParseOutput("", pc)
	return appendTextLines(items, pc.Drain())
}

func (b Base) structuredItem(value string, pc *stream.Context) OutputItem {
	raw := json.RawMessage(value)
	canonical, err := stream.Canonical(raw)
	if err != nil {
		canonical = value
	}
	key := b.ContentKey(raw)
	return OutputItem{
		Kind:      KindStructured,
		Raw:       raw,
		Canonical: canonical,
		Duplicate: key != "" && pc.Seen(key),
	}
}

// DefaultContentKey keys assistant messages by their concatenated text parts
// and result events by their result text. Anything else has no key.
func DefaultContentKey(v gjson.Result) string {
	if v.Get("type").Str == "assistant" {
		var parts []string
		v.Get("message.content").ForEach(func(_, part gjson.Result) bool {
			if text := part.Get("text"); text.Type == gjson.String && text.Str != "" {
				parts = append(parts, text.Str)
			}
			return true
		})
		if len(parts) > 0 {
			return strings.Join(parts, "")
		}
		if content := v.Get("message.content"); content.Type == gjson.String {
			return content.Str
		}
	}
	if result := v.Get("result"); result.Type == gjson.String {
		return result.Str
	}
	return ""
}

// UseStdinFor reports whether message is too long to pass inline.
func UseStdinFor(message string) bool {
	return utf8.RuneCountInString(message) > MaxInlineMessageLen
}

// MergeEnv copies base and sets key to value when value is non-empty.
func MergeEnv(base map[string]string, key, value string) map[string]string {
	env := make(map[string]string, len(base)+1)
	for k, v := range base {
		env[k] = v
	}
	if strings.TrimSpace(value) != "" {
		env[key] = value
	}
	return env
}

func appendTextLines(items []OutputItem, text string) []OutputItem {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		items = append(items, OutputItem{Kind: KindPlainText, Text: line})
	}
	return items
}
