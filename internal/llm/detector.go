package llm

import (
	"strings"
	"unicode/utf8"
)

// completionPhrases are soft signals that the model wrapped up on its own.
// Finding one marks the stream as complete but does not stop emission; only
// the sentinel, the backend done flag, or the iteration cap stop it.
var completionPhrases = []string{
	"in conclusion",
	"to summarize",
	"in summary",
	"thank you for your question",
	"i hope this helps",
	strings.ToLower(Sentinel),
}

// closingSentence is synthesized when generation stops before any completion
// signal, so the answer does not end mid-sentence.
const closingSentence = "\n\nI hope this information addresses your question. Let me know if you need further clarification."

// detector decides, chunk by chunk, when the token stream is done. It has
// three independent stop conditions: the sentinel, the iteration cap, and
// (driven by the caller) the backend done flag.
//
// The last len(Sentinel)-1 bytes of received text are held back from
// emission until they can no longer be a sentinel prefix, so the sentinel is
// never surfaced even when it is split across arbitrary chunk boundaries,
// and no byte is ever emitted twice.
type detector struct {
	maxIterations int

	emitted    strings.Builder // everything returned from feed so far
	carry      string          // received but not yet emitted
	iterations int
	complete   bool
	capReached bool
}

func newDetector(maxIterations int) *detector {
	return &detector{maxIterations: maxIterations}
}

// feed consumes one raw chunk and returns the text that is now safe to emit
// plus whether the stream must stop.
func (d *detector) feed(chunk string) (emit string, stop bool) {
	pending := d.carry + chunk

	if idx := strings.Index(pending, Sentinel); idx >= 0 {
		d.carry = ""
		d.complete = true
		emit = strings.TrimRight(pending[:idx], " \t\n")
		d.emitted.WriteString(emit)
		return emit, true
	}

	hold := len(Sentinel) - 1
	if len(pending) > hold {
		// Back the cut off to a rune boundary so a multi-byte rune is never
		// split between an emission and the carry.
		cut := len(pending) - hold
		for cut > 0 && !utf8.RuneStart(pending[cut]) {
			cut--
		}
		emit = pending[:cut]
		d.carry = pending[cut:]
		d.emitted.WriteString(emit)
	} else {
		d.carry = pending
	}

	lower := strings.ToLower(d.emitted.String() + d.carry)
	for _, phrase := range completionPhrases {
		if strings.Contains(lower, phrase) {
			d.complete = true
			break
		}
	}

	d.iterations++
	if d.iterations >= d.maxIterations {
		d.capReached = true
		return emit, true
	}
	return emit, false
}

// finish returns the final emission after the loop exits for any reason:
// the held-back tail, plus the synthesized closing sentence when content was
// produced without any completion signal.
func (d *detector) finish() string {
	tail := d.carry
	d.carry = ""
	d.emitted.WriteString(tail)
	if d.sawContent() && !d.complete {
		return tail + closingSentence
	}
	return tail
}

// sawContent reports whether any non-whitespace answer text came through.
// The sentinel itself does not count: a stream that was only the sentinel
// still triggers the fallback answer.
func (d *detector) sawContent() bool {
	return strings.TrimSpace(d.emitted.String()+d.carry) != ""
}

func (d *detector) completed() bool { return d.complete }
