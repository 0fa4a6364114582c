package runner

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/clawmux/clawmux/internal/model"
)

// streamCollector consumes the subprocess stdout line by line: it keeps a
// byte-capped copy of the stream, captures the sentinel-wrapped final
// document even when the cap has been reached, and forwards throttled
// progress events to the sink.
type streamCollector struct {
	cap     int
	sink    model.ProgressSink
	limiter *rate.Limiter

	mu        sync.Mutex
	collected strings.Builder
	dropped   bool

	capturing bool
	capture   strings.Builder
	captured  string
	hasDoc    bool

	accum strings.Builder
}

func newStreamCollector(byteCap int, sink model.ProgressSink, interval time.Duration) *streamCollector {
	var limiter *rate.Limiter
	if sink != nil {
		limiter = rate.NewLimiter(rate.Every(interval), 1)
	}
	return &streamCollector{
		cap:     byteCap,
		sink:    sink,
		limiter: limiter,
	}
}

// consume reads the stream until EOF. Lines longer than the cap are cut; the
// stream keeps being drained after the cap so the process never blocks on a
// full pipe.
func (c *streamCollector) consume(r io.Reader) {
	reader := bufio.NewReader(r)
	for {
		line, cut, err := readCappedLine(reader, c.cap)
		if err != nil {
			if line != "" || cut {
				c.addLine(line, cut)
			}
			return
		}
		c.addLine(line, cut)
	}
}

func (c *streamCollector) addLine(line string, cut bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cut {
		c.dropped = true
	}

	// Capped raw copy of the stream.
	if c.collected.Len() < c.cap {
		room := c.cap - c.collected.Len()
		if len(line)+1 > room {
			c.collected.WriteString(line[:min(len(line), room)])
			c.dropped = true
		} else {
			c.collected.WriteString(line)
			c.collected.WriteByte('\n')
		}
	} else {
		c.dropped = true
	}

	trimmed := strings.TrimSpace(line)

	// Sentinel state machine. The capture survives the stream cap so the
	// final document is found even at the end of an oversized stream.
	switch {
	case trimmed == resultStartSentinel:
		c.capturing = true
		c.capture.Reset()
		return
	case trimmed == resultEndSentinel && c.capturing:
		c.capturing = false
		c.captured = strings.TrimSpace(c.capture.String())
		c.hasDoc = true
		return
	case c.capturing:
		if c.capture.Len() < c.cap {
			c.capture.WriteString(line)
			c.capture.WriteByte('\n')
		}
		return
	}

	c.forwardProgress(trimmed)
}

// forwardProgress parses one line as a progress event and forwards it under
// the throttle. Unparseable lines are plain launcher noise and are ignored.
// Called with the mutex held.
func (c *streamCollector) forwardProgress(line string) {
	if c.sink == nil || line == "" || !strings.HasPrefix(line, "{") {
		return
	}

	ev := progressLine{}
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return
	}

	switch ev.Type {
	case string(model.ProgressEventTool):
		if ev.ToolName == "" {
			return
		}
		if c.limiter.Allow() {
			c.sink(model.ProgressEvent{Type: model.ProgressEventTool, ToolName: ev.ToolName})
		}
	case string(model.ProgressEventMessage):
		if c.accum.Len()+len(ev.Content) <= c.cap {
			c.accum.WriteString(ev.Content)
		}
		if c.limiter.Allow() {
			c.sink(model.ProgressEvent{
				Type:    model.ProgressEventMessage,
				Delta:   ev.Content,
				Content: c.accum.String(),
			})
		}
	}
}

// finalDoc returns the sentinel-captured final document, if a complete one
// was seen.
func (c *streamCollector) finalDoc() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.captured, c.hasDoc
}

// output returns the capped collected stream.
func (c *streamCollector) output() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.collected.String()
}

// truncated reports whether any bytes were dropped.
func (c *streamCollector) truncated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// readCappedLine reads one line, keeping at most max bytes of it and dropping
// the rest. cut reports whether the line was longer than max.
func readCappedLine(r *bufio.Reader, max int) (line string, cut bool, err error) {
	var buf []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if len(chunk) > 0 {
			if len(buf) < max {
				take := chunk
				if len(buf)+len(take) > max {
					take = take[:max-len(buf)]
					cut = true
				}
				buf = append(buf, take...)
			} else {
				cut = true
			}
		}
		if err != nil {
			return string(buf), cut, err
		}
		if !isPrefix {
			return string(buf), cut, nil
		}
	}
}

// cappedBuffer is an io.Writer keeping at most cap bytes and dropping the
// rest, flagging truncation. Used for stderr collection.
type cappedBuffer struct {
	mu        sync.Mutex
	cap       int
	buf       strings.Builder
	truncated bool
}

func newCappedBuffer(byteCap int) *cappedBuffer {
	return &cappedBuffer{cap: byteCap}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.cap - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *cappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
