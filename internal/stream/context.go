package stream

import "unicode/utf8"

const (
	// DefaultHighWater is the buffer size that triggers tail trimming.
	DefaultHighWater = 512 * 1024
	// DefaultTailWindow is how much of the newest data survives a trim.
	DefaultTailWindow = 128 * 1024
)

// Source names the process stream a chunk was read from.
type Source string

const (
	SourceStdout Source = "stdout"
	SourceStderr Source = "stderr"
	SourcePTY    Source = "pty"
)

// ContextOption configures a Context.
type ContextOption func(*Context)

// WithLimits overrides the high-water mark and the tail window kept after a
// trim. Non-positive values keep the defaults.
func WithLimits(highWater, tailWindow int) ContextOption {
	return func(c *Context) {
		if highWater > 0 {
			c.highWater = highWater
		}
		if tailWindow > 0 {
			c.tailWindow = tailWindow
		}
	}
}

// WithDeduper shares one content-key set between several contexts, e.g. the
// stdout and stderr buffers of the same run.
func WithDeduper(d *Deduper) ContextOption {
	return func(c *Context) {
		if d != nil {
			c.dedupe = d
		}
	}
}

// Context is the parse state of one stream of one supervised run: the
// not-yet-consumed text and the content keys already forwarded. It is not
// safe for concurrent use; the supervisor feeds it from a single goroutine.
type Context struct {
	buf        string
	highWater  int
	tailWindow int
	dropped    int
	dedupe     *Deduper
}

// NewContext returns an empty parse context.
func NewContext(opts ...ContextOption) *Context {
	c := &Context{
		highWater:  DefaultHighWater,
		tailWindow: DefaultTailWindow,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.tailWindow > c.highWater {
		c.tailWindow = c.highWater
	}
	if c.dedupe == nil {
		c.dedupe = NewDeduper()
	}
	return c
}

// Append adds chunk to the buffer. When the buffer passes the high-water
// mark only the newest tail window is kept; the oldest unconsumed data is
// lost on purpose so a run that never prints valid JSON stays bounded.
func (c *Context) Append(chunk string) {
	if chunk == "" {
		return
	}
	c.buf += chunk
	if len(c.buf) <= c.highWater {
		return
	}
	cut := len(c.buf) - c.tailWindow
	for cut < len(c.buf) && !utf8.RuneStart(c.buf[cut]) {
		cut++
	}
	c.dropped += cut
	c.buf = c.buf[cut:]
}

// Buffer returns the unconsumed text.
func (c *Context) Buffer() string {
	return c.buf
}

// Consume trims the first n bytes of the buffer.
func (c *Context) Consume(n int) {
	if n <= 0 {
		return
	}
	if n >= len(c.buf) {
		c.buf = ""
		return
	}
	c.buf = c.buf[n:]
}

// Drain returns the unconsumed text and empties the buffer.
func (c *Context) Drain() string {
	out := c.buf
	c.buf = ""
	return out
}

// Dropped reports how many bytes high-water trimming has discarded.
func (c *Context) Dropped() int {
	return c.dropped
}

// Seen records key and reports whether it had been recorded before.
func (c *Context) Seen(key string) bool {
	return c.dedupe.Seen(key)
}
