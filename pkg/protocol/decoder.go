package protocol

import (
	"encoding/json"
	"log"
	"strings"
)

// Decoder turns arbitrarily split response text back into frames.
//
// Text is split on newlines; a line is a frame only when it starts with DataPrefix.
// The trailing piece after the last newline is held until more text arrives, so the
// caller may feed reads of any size. Lines that fail to decode are logged and skipped.
type Decoder struct {
	pending strings.Builder
	Logf    func(format string, args ...any)
}

// NewDecoder returns a Decoder logging through the standard logger.
func NewDecoder() *Decoder {
	return &Decoder{Logf: log.Printf}
}

// Feed consumes newly arrived text and returns the frames it completes, in order.
func (d *Decoder) Feed(text string) []Frame {
	if text == "" {
		return nil
	}

	var frames []Frame
	for {
		idx := strings.IndexByte(text, '\n')
		if idx < 0 {
			d.pending.WriteString(text)
			return frames
		}

		line := text[:idx]
		if d.pending.Len() > 0 {
			d.pending.WriteString(line)
			line = d.pending.String()
			d.pending.Reset()
		}
		text = text[idx+1:]

		if frame, ok := d.decodeLine(line); ok {
			frames = append(frames, frame)
		}
	}
}

// Flush decodes whatever partial line remains once the response has ended.
func (d *Decoder) Flush() []Frame {
	if d.pending.Len() == 0 {
		return nil
	}
	line := d.pending.String()
	d.pending.Reset()
	if frame, ok := d.decodeLine(line); ok {
		return []Frame{frame}
	}
	return nil
}

func (d *Decoder) decodeLine(line string) (Frame, bool) {
	line = strings.TrimSuffix(line, "\r")
	if !strings.HasPrefix(line, DataPrefix) {
		return Frame{}, false
	}

	var frame Frame
	if err := json.Unmarshal([]byte(line[len(DataPrefix):]), &frame); err != nil {
		if d.Logf != nil {
			d.Logf("[protocol] skipping malformed frame: %v", err)
		}
		return Frame{}, false
	}
	return frame, true
}
