// Package normalize extracts user-visible text and inline tool invocations from
// backends that interleave reasoning, tool calls and the final answer in one raw
// stream delimited by sentinel markers (the harmony channel convention).
package normalize

import (
	"encoding/json"
	"strings"
)

// Markers are the sentinel tokens of the channel convention.
type Markers struct {
	Channel   string
	Message   string
	End       string
	Start     string
	Call      string
	Return    string
	Constrain string
}

// DefaultMarkers are the harmony format tokens.
var DefaultMarkers = Markers{
	Channel:   "<|channel|>",
	Message:   "<|message|>",
	End:       "<|end|>",
	Start:     "<|start|>",
	Call:      "<|call|>",
	Return:    "<|return|>",
	Constrain: "<|constrain|>",
}

const finalChannel = "final"

func (m Markers) all() []string {
	return nonEmpty(m.Channel, m.Message, m.End, m.Start, m.Call, m.Return, m.Constrain)
}

// terminators end a segment body.
func (m Markers) terminators() []string {
	return nonEmpty(m.End, m.Return, m.Call, m.Start, m.Channel)
}

func nonEmpty(in ...string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Invocation is a tool call recovered from inline syntax.
type Invocation struct {
	Name          string
	ArgumentsJSON string
}

// Malformed records an inline tool segment whose arguments were not valid JSON.
type Malformed struct {
	Name string
	Raw  string
}

// Result is the full parse of one backend call.
type Result struct {
	// Content is the user-visible answer. It always equals the concatenation of
	// every string returned by Push plus Flushed.
	Content     string
	Flushed     string
	Invocations []Invocation
	Reasoning   []string
	Malformed   []Malformed
	// Structured reports whether any marker was seen.
	Structured bool
}

// Normalizer is the per-call parse state. It is not safe for concurrent use;
// deltas must be pushed in arrival order.
type Normalizer struct {
	m Markers

	buf strings.Builder
	raw string

	// structuredAt is the buffer offset of the first marker, -1 while plain.
	structuredAt int
	plainEmitted int

	finalStart   int
	finalDone    bool
	finalEmitted int
}

func New(m Markers) *Normalizer {
	if m.Channel == "" || m.Message == "" {
		m = DefaultMarkers
	}
	return &Normalizer{m: m, structuredAt: -1, finalStart: -1}
}

// Push appends a raw delta and returns the newly available user-visible text.
func (n *Normalizer) Push(delta string) string {
	if delta == "" {
		return ""
	}
	n.buf.WriteString(delta)
	n.raw = n.buf.String()

	var out strings.Builder
	if n.structuredAt < 0 {
		idx, _ := indexAny(n.raw, n.m.all())
		if idx < 0 {
			safe := len(n.raw) - heldBack(n.raw, n.m.all())
			if strings.TrimSpace(n.raw[:safe]) == "" {
				// Leading whitespace is withheld until real text shows up.
				return ""
			}
			out.WriteString(n.raw[n.plainEmitted:safe])
			n.plainEmitted = safe
			return out.String()
		}
		n.structuredAt = idx
		if strings.TrimSpace(n.raw[:idx]) != "" && idx > n.plainEmitted {
			out.WriteString(n.raw[n.plainEmitted:idx])
		}
		n.plainEmitted = idx
	}
	out.WriteString(n.advanceFinal(false))
	return out.String()
}

// advanceFinal emits the unemitted part of the first final segment.
func (n *Normalizer) advanceFinal(flush bool) string {
	if n.finalDone {
		return ""
	}
	if n.finalStart < 0 {
		n.finalStart = n.findFinalStart(n.raw, n.structuredAt)
		if n.finalStart < 0 {
			return ""
		}
	}
	body := n.raw[n.finalStart:]
	if end, _ := indexAny(body, n.m.terminators()); end >= 0 {
		body = body[:end]
		n.finalDone = true
	} else if !flush {
		body = body[:len(body)-heldBack(body, n.m.all())]
	}
	if len(body) <= n.finalEmitted {
		return ""
	}
	delta := body[n.finalEmitted:]
	n.finalEmitted = len(body)
	return delta
}

// findFinalStart returns the offset just past "<channel>final<message>", or -1.
func (n *Normalizer) findFinalStart(s string, from int) int {
	i := from
	for i < len(s) {
		c := strings.Index(s[i:], n.m.Channel)
		if c < 0 {
			return -1
		}
		hs := i + c + len(n.m.Channel)
		mi := strings.Index(s[hs:], n.m.Message)
		if mi < 0 {
			return -1
		}
		if channelName(s[hs:hs+mi], n.m) == finalChannel {
			return hs + mi + len(n.m.Message)
		}
		i = hs + mi + len(n.m.Message)
	}
	return -1
}

// Finish flushes withheld text and performs the full parse of the buffer.
func (n *Normalizer) Finish() Result {
	n.raw = n.buf.String()
	if n.structuredAt < 0 {
		res := Result{Content: n.raw, Flushed: n.raw[n.plainEmitted:]}
		n.plainEmitted = len(n.raw)
		return res
	}

	var res Result
	res.Structured = true
	prefix := ""
	if strings.TrimSpace(n.raw[:n.structuredAt]) != "" {
		prefix = n.raw[:n.structuredAt]
	}
	res.Flushed = n.advanceFinal(true)

	segs := parseSegments(n.raw[n.structuredAt:], n.m)
	final := ""
	if n.finalStart >= 0 {
		final = n.raw[n.finalStart : n.finalStart+n.finalEmitted]
	}
	for _, seg := range segs {
		switch {
		case seg.recipient != "":
			name := normalizeToolName(seg.recipient)
			args := strings.TrimSpace(seg.body)
			if args == "" {
				args = "{}"
			}
			if name == "" || !json.Valid([]byte(args)) {
				res.Malformed = append(res.Malformed, Malformed{Name: name, Raw: seg.body})
				continue
			}
			res.Invocations = append(res.Invocations, Invocation{Name: name, ArgumentsJSON: args})
		case seg.channel == finalChannel:
		default:
			if txt := strings.TrimSpace(seg.body); txt != "" {
				res.Reasoning = append(res.Reasoning, txt)
			}
		}
	}
	res.Content = prefix + final
	return res
}

type segment struct {
	channel   string
	recipient string
	body      string
}

func parseSegments(s string, m Markers) []segment {
	var out []segment
	terms := m.terminators()
	i := 0
	roleFrom := -1
	for i < len(s) {
		c := strings.Index(s[i:], m.Channel)
		if c < 0 {
			break
		}
		c += i
		// The role region sits between the last start marker and this channel marker.
		role := ""
		if m.Start != "" {
			if st := strings.LastIndex(s[i:c], m.Start); st >= 0 {
				roleFrom = i + st + len(m.Start)
			}
		}
		if roleFrom >= 0 && roleFrom <= c {
			role = s[roleFrom:c]
		}
		hs := c + len(m.Channel)
		mi := strings.Index(s[hs:], m.Message)
		if mi < 0 {
			break
		}
		header := s[hs : hs+mi]
		bs := hs + mi + len(m.Message)
		be := len(s)
		next := len(s)
		if e, w := indexAny(s[bs:], terms); e >= 0 {
			be = bs + e
			next = be
			if w != m.Channel && w != m.Start {
				next += len(w)
			}
		}
		seg := segment{channel: channelName(header, m), body: s[bs:be]}
		seg.recipient = recipient(header, m)
		if seg.recipient == "" {
			seg.recipient = recipient(role, m)
		}
		out = append(out, seg)
		roleFrom = -1
		i = next
	}
	return out
}

func channelName(header string, m Markers) string {
	if m.Constrain != "" {
		header, _, _ = strings.Cut(header, m.Constrain)
	}
	fields := strings.Fields(header)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[0])
}

func recipient(region string, m Markers) string {
	if m.Constrain != "" {
		region, _, _ = strings.Cut(region, m.Constrain)
	}
	idx := strings.Index(region, "to=")
	if idx < 0 {
		return ""
	}
	rest := region[idx+len("to="):]
	end := strings.IndexFunc(rest, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '<'
	})
	if end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

func normalizeToolName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.TrimPrefix(name, "functions.")
	name = strings.TrimSuffix(name, ".run")
	return name
}

// indexAny returns the smallest index of any needle in s and which needle matched.
func indexAny(s string, needles []string) (int, string) {
	best := -1
	which := ""
	for _, nd := range needles {
		if i := strings.Index(s, nd); i >= 0 && (best < 0 || i < best) {
			best = i
			which = nd
		}
	}
	return best, which
}

// heldBack is the length of the longest suffix of s that is a proper prefix of a marker.
func heldBack(s string, markers []string) int {
	hold := 0
	for _, mk := range markers {
		limit := len(mk) - 1
		if limit > len(s) {
			limit = len(s)
		}
		for k := limit; k > hold; k-- {
			if strings.HasSuffix(s, mk[:k]) {
				hold = k
				break
			}
		}
	}
	return hold
}
