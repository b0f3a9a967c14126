package processors

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/harunnryd/voxbridge/pkg/frames"
	"github.com/harunnryd/voxbridge/pkg/pipeline"
	"github.com/harunnryd/voxbridge/pkg/turn"
)

const (
	fence      = "```"
	unvoicedOp = `<unvoiced code="`
)

var unvoicedRe = regexp.MustCompile(`<unvoiced code="((?:\\.|[^"\\])+)"></unvoiced>`)

// CodeExtractor keeps code out of speech. Fenced blocks and unvoiced tags in
// a streamed reply are re-emitted as frames on the code topic; a fenced block
// is followed by the clear token. Everything else passes on as voiced text.
// Tokens may split fences or tags at any byte, so ambiguous tails are held
// until the next frame or the final one.
type CodeExtractor struct {
	buf       string
	inCode    bool
	skipLang  bool
	code      strings.Builder
	streamID  string
	lastPTS   int64
	extracted int
}

func NewCodeExtractor() *CodeExtractor {
	return &CodeExtractor{}
}

func (c *CodeExtractor) Name() string { return "code_extractor" }

// Blocks reports how many code snippets have been extracted.
func (c *CodeExtractor) Blocks() int { return c.extracted }

func (c *CodeExtractor) Process(f frames.Frame) ([]frames.Frame, error) {
	if f.Kind() != frames.KindText {
		return []frames.Frame{f}, nil
	}
	tf := f.(frames.TextFrame)
	if tf.Topic() != frames.TopicChat {
		return []frames.Frame{f}, nil
	}
	meta := tf.Meta()
	c.streamID = meta[frames.MetaStreamID]
	c.lastPTS = tf.PTS()
	final := meta[frames.MetaIsFinal] == "true"

	c.buf += tf.Text()
	out := c.drain(final)
	if final {
		out = append(out, f)
	}
	return out, nil
}

func (c *CodeExtractor) drain(final bool) []frames.Frame {
	var out []frames.Frame
	for {
		if c.skipLang {
			nl := strings.IndexByte(c.buf, '\n')
			if nl < 0 {
				if final {
					c.buf = ""
					c.skipLang = false
				}
				break
			}
			c.buf = c.buf[nl+1:]
			c.skipLang = false
		}
		idx := strings.Index(c.buf, fence)
		if c.inCode {
			if idx < 0 {
				keep := heldBackticks(c.buf)
				if final {
					keep = 0
				}
				c.code.WriteString(c.buf[:len(c.buf)-keep])
				c.buf = c.buf[len(c.buf)-keep:]
				if final {
					out = append(out, c.closeBlock()...)
				}
				break
			}
			c.code.WriteString(c.buf[:idx])
			c.buf = c.buf[idx+len(fence):]
			out = append(out, c.closeBlock()...)
			continue
		}
		if idx >= 0 {
			out = append(out, c.voiced(c.buf[:idx])...)
			c.buf = c.buf[idx+len(fence):]
			c.inCode = true
			c.skipLang = true
			continue
		}
		keep := 0
		if !final {
			keep = heldTail(c.buf)
		}
		out = append(out, c.voiced(c.buf[:len(c.buf)-keep])...)
		c.buf = c.buf[len(c.buf)-keep:]
		break
	}
	return out
}

func (c *CodeExtractor) closeBlock() []frames.Frame {
	c.inCode = false
	code := c.code.String()
	c.code.Reset()
	var out []frames.Frame
	if strings.TrimSpace(code) != "" {
		out = append(out, c.codeFrame(code))
	}
	return append(out, c.codeFrame(turn.TokenClear))
}

// voiced splits text around unvoiced tags, emitting spoken and code frames
// in order.
func (c *CodeExtractor) voiced(text string) []frames.Frame {
	if text == "" {
		return nil
	}
	var out []frames.Frame
	pos := 0
	for _, m := range unvoicedRe.FindAllStringSubmatchIndex(text, -1) {
		if m[0] > pos {
			out = append(out, c.textFrame(text[pos:m[0]]))
		}
		out = append(out, c.codeFrame(unescape(text[m[2]:m[3]])))
		pos = m[1]
	}
	if pos < len(text) {
		out = append(out, c.textFrame(text[pos:]))
	}
	return out
}

func (c *CodeExtractor) textFrame(text string) frames.Frame {
	return frames.NewTextFrame(c.streamID, c.lastPTS, text, map[string]string{frames.MetaSource: "llm"})
}

func (c *CodeExtractor) codeFrame(text string) frames.Frame {
	if text != turn.TokenClear {
		c.extracted++
	}
	return frames.NewTextFrame(c.streamID, c.lastPTS, text, map[string]string{
		frames.MetaSource: "llm",
		frames.MetaTopic:  frames.TopicCode,
	})
}

func unescape(s string) string {
	if u, err := strconv.Unquote(`"` + s + `"`); err == nil {
		return u
	}
	return s
}

// heldBackticks counts trailing backticks that may start a fence.
func heldBackticks(s string) int {
	n := 0
	for n < 2 && n < len(s) && s[len(s)-1-n] == '`' {
		n++
	}
	return n
}

// heldTail returns how many trailing bytes could still become a fence or an
// unvoiced tag.
func heldTail(s string) int {
	keep := heldBackticks(s)
	if i := strings.LastIndexByte(s, '<'); i >= 0 {
		tail := s[i:]
		open := strings.HasPrefix(unvoicedOp, tail) ||
			(strings.HasPrefix(tail, unvoicedOp) && !strings.Contains(tail, "</unvoiced>"))
		if open && len(tail) > keep {
			keep = len(tail)
		}
	}
	// an unvoiced tag whose closing element has started
	if i := strings.LastIndex(s, unvoicedOp); i >= 0 && !strings.Contains(s[i:], "</unvoiced>") {
		if len(s)-i > keep {
			keep = len(s) - i
		}
	}
	return keep
}

var _ pipeline.FrameProcessor = (*CodeExtractor)(nil)
