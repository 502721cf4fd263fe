package core

import (
	"bytes"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

const (
	receiptWidth = 32
	wrapWidth    = 30
	timeLayout   = "2006-01-02 15:04:05"
)

// ESC/POS commands used by the receipt layout.
var (
	cmdInit        = []byte{0x1b, 0x40}
	cmdCodePage858 = []byte{0x1b, 0x74, 0x13}
	cmdAlignCenter = []byte{0x1b, 0x61, 0x01}
	cmdBoldOn      = []byte{0x1b, 0x45, 0x01}
	cmdBoldOff     = []byte{0x1b, 0x45, 0x00}
	cmdFontA       = []byte{0x1b, 0x4d, 0x00}
	cmdFontB       = []byte{0x1b, 0x4d, 0x01}
	cmdPartialCut  = []byte{0x1d, 0x56, 0x42, 0x00}
)

type receiptStrings struct {
	priorities [5]string
	footer     string
}

var translations = map[Language]receiptStrings{
	LanguageDE: {
		priorities: [5]string{"Niedrig", "Mittel", "Normal", "Hoch", "Dringend"},
		footer:     "Pack es an!",
	},
	LanguageEN: {
		priorities: [5]string{"Low", "Medium", "Normal", "High", "Urgent"},
		footer:     "Get it done!",
	},
}

// PriorityName returns the translated label for a priority level.
func PriorityName(lang Language, priority int) string {
	tr, ok := translations[lang]
	if !ok || priority < 1 || priority > len(tr.priorities) {
		return "Normal"
	}
	return tr.priorities[priority-1]
}

// Renderer turns a job into the bytes sent to the printer.
type Renderer interface {
	Render(job Job, at time.Time) ([]byte, error)
}

// ReceiptRenderer lays a job out as an ESC/POS receipt encoded in CP858.
type ReceiptRenderer struct{}

func (ReceiptRenderer) Render(job Job, at time.Time) ([]byte, error) {
	tr, ok := translations[job.Language]
	if !ok {
		return nil, fmt.Errorf("%w: no template for language %q", ErrRender, job.Language)
	}
	if job.Priority < 1 || job.Priority > len(tr.priorities) {
		return nil, fmt.Errorf("%w: priority %d out of range", ErrRender, job.Priority)
	}

	var text strings.Builder
	line := func(s string) {
		text.WriteString(s)
		text.WriteByte('\n')
	}
	separator := strings.Repeat("-", receiptWidth)

	var out bytes.Buffer
	out.Write(cmdInit)
	out.Write(cmdCodePage858)
	out.Write(cmdAlignCenter)
	out.WriteString("\n")

	out.Write(cmdBoldOn)
	out.WriteString(stars(job.Priority) + "\n")
	out.Write(cmdBoldOff)

	line("(" + tr.priorities[job.Priority-1] + ")")
	line(separator)
	line(at.Format(timeLayout))
	line(separator)
	text.WriteByte('\n')
	if err := appendEncoded(&out, text.String()); err != nil {
		return nil, err
	}
	text.Reset()

	out.Write(cmdBoldOn)
	for _, l := range wrap(job.Text, wrapWidth) {
		line(l)
	}
	if err := appendEncoded(&out, text.String()); err != nil {
		return nil, err
	}
	text.Reset()
	out.Write(cmdBoldOff)

	out.WriteString("\n" + separator + "\n")
	out.Write(cmdFontB)
	line(tr.footer)
	text.WriteString("\n\n\n")
	if err := appendEncoded(&out, text.String()); err != nil {
		return nil, err
	}
	out.Write(cmdFontA)
	out.Write(cmdPartialCut)
	return out.Bytes(), nil
}

// stars renders a priority as filled stars followed by dashes, e.g. "* * * - -".
func stars(priority int) string {
	marks := make([]string, 5)
	for i := range marks {
		if i < priority {
			marks[i] = "*"
		} else {
			marks[i] = "-"
		}
	}
	return strings.Join(marks, " ")
}

// wrap breaks text into lines of at most width runes at word boundaries.
// A single word longer than width gets a line of its own.
func wrap(text string, width int) []string {
	var lines []string
	var cur []string
	n := 0
	for _, w := range strings.Fields(text) {
		wl := utf8.RuneCountInString(w)
		if len(cur) > 0 && n+1+wl > width {
			lines = append(lines, strings.Join(cur, " "))
			cur, n = nil, 0
		}
		if len(cur) > 0 {
			n++
		}
		cur = append(cur, w)
		n += wl
	}
	if len(cur) > 0 {
		lines = append(lines, strings.Join(cur, " "))
	}
	return lines
}

func appendEncoded(out *bytes.Buffer, s string) error {
	enc := encoding.ReplaceUnsupported(charmap.CodePage858.NewEncoder())
	b, err := enc.Bytes([]byte(s))
	if err != nil {
		return fmt.Errorf("%w: encode cp858: %v", ErrRender, err)
	}
	out.Write(b)
	return nil
}
