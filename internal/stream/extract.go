package stream

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"
)

// DefaultBudget bounds the wall-clock time of one Extract call.
const DefaultBudget = 50 * time.Millisecond

// budgetCheckEvery is how many bytes are scanned between clock reads.
const budgetCheckEvery = 4096

// Item is one complete JSON value located in a buffer.
type Item struct {
	JSON  string
	Start int
	End   int
}

// Extraction is the result of scanning one buffer.
type Extraction struct {
	Items []Item
	// Consumed is the end offset of the last balanced span found, whether it
	// parsed or was discarded as noise. -1 when nothing balanced was found.
	Consumed int
	// Pending is the start of a value that is still open and could yet
	// complete. -1 when nothing is pending.
	Pending int
	// Truncated reports that scanning stopped at the time budget.
	Truncated bool
}

// Options tunes Extract.
type Options struct {
	// ObjectsOnly ignores '[' at the top level so bracketed log prefixes are
	// never mistaken for arrays.
	ObjectsOnly bool
	// Budget caps scanning time. Zero means DefaultBudget.
	Budget time.Duration
}

// Extract scans buf left to right and returns every complete top-level JSON
// object (and array, unless ObjectsOnly) in order.
//
// Nesting depth is shared by braces and brackets and only counted outside
// string literals; string state honours backslash escapes. A span whose depth
// returns to zero is strictly parsed and silently dropped when it is not valid
// JSON. A value still open at the end of buf is left unconsumed.
//
// An open value that is still a valid JSON prefix is reported as Pending and
// nothing after it is scanned, so values nested inside it are never taken
// early. When the open span can no longer be JSON (free text such as
// "press { to continue"), scanning resumes at the next opener that begins a
// line, so a stray brace cannot hide the NDJSON records printed after it.
func Extract(buf string, opts Options) Extraction {
	budget := opts.Budget
	if budget <= 0 {
		budget = DefaultBudget
	}
	deadline := time.Now().Add(budget)

	res := Extraction{Consumed: -1, Pending: -1}
	pos := 0
	for pos < len(buf) {
		open, truncated := scanFrom(buf, pos, opts, deadline, &res)
		if truncated {
			res.Truncated = true
			break
		}
		if open < 0 {
			break
		}
		if MayBecomeJSON(buf[open:]) {
			res.Pending = open
			break
		}
		resume := nextLineStartOpener(buf, open+1, opts)
		if resume < 0 {
			break
		}
		pos = resume
	}
	return res
}

// scanFrom scans buf starting at pos, appending complete values to res. It
// returns the start offset of a value left open at the end of buf (or -1) and
// whether the time budget ran out.
func scanFrom(buf string, pos int, opts Options, deadline time.Time, res *Extraction) (int, bool) {
	depth := 0
	start := -1
	inString := false
	escaped := false

	for i := pos; i < len(buf); i++ {
		if i > pos && (i-pos)%budgetCheckEvery == 0 && time.Now().After(deadline) {
			return -1, true
		}

		c := buf[i]
		if depth == 0 {
			if isOpener(c, opts) {
				depth = 1
				start = i
				inString = false
				escaped = false
			}
			continue
		}

		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				end := i + 1
				span := buf[start:end]
				if json.Valid([]byte(span)) {
					res.Items = append(res.Items, Item{JSON: span, Start: start, End: end})
				}
				res.Consumed = end
				start = -1
			}
		}
	}

	if depth > 0 {
		return start, false
	}
	return -1, false
}

// MayBecomeJSON reports whether prefix is the start of some valid JSON value,
// i.e. appending more bytes could still make it parse.
func MayBecomeJSON(prefix string) bool {
	if strings.TrimSpace(prefix) == "" {
		return true
	}
	dec := json.NewDecoder(strings.NewReader(prefix))
	dec.UseNumber()
	for {
		_, err := dec.Token()
		if err == nil {
			continue
		}
		return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
	}
}

func nextLineStartOpener(buf string, from int, opts Options) int {
	for i := from; i < len(buf); i++ {
		if buf[i] != '\n' || i+1 >= len(buf) {
			continue
		}
		if isOpener(buf[i+1], opts) {
			return i + 1
		}
	}
	return -1
}

func isOpener(c byte, opts Options) bool {
	if c == '{' {
		return true
	}
	return c == '[' && !opts.ObjectsOnly
}
