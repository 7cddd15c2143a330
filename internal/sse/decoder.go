// Package sse decodes OpenAI-style server-sent event streams into text
// fragments. The decoder is an explicit accumulator over raw byte chunks,
// so fragment extraction is independent of how the network splits the
// stream and directly unit-testable.
package sse

import (
	"bytes"
	"encoding/json"
	"errors"
)

const (
	dataPrefix    = "data:"
	doneSentinel  = "[DONE]"
	maxEventSize  = 1 << 20 // 1 MiB for a single undelimited event before we give up
)

// ErrEventTooLarge reports a single pending event that outgrew the buffer
// limit without ever completing. Check with errors.Is.
var ErrEventTooLarge = errors.New("pending event exceeds buffer limit")

// chunkPayload is the subset of a completion stream event we care about.
// Streamed events carry the token in choices[0].delta.content; non-streamed
// bodies use choices[0].message.content.
type chunkPayload struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Decoder reconstructs discrete event payloads from an arbitrarily-chunked
// byte stream. Zero value is ready to use. Not safe for concurrent use.
type Decoder struct {
	buf  bytes.Buffer
	done bool
	err  error
}

// Done reports whether the terminal sentinel has been seen. Once done, the
// decoder emits no further fragments.
func (d *Decoder) Done() bool {
	return d.done
}

// Feed appends a raw chunk to the pending buffer and returns all text
// fragments completed by it. Events are delimited by a blank line; within
// an event only "data:" lines count, and their payloads are JSON chunk
// objects. The "[DONE]" payload terminates the stream immediately, even if
// more bytes follow in the same chunk. Malformed payloads are skipped.
// After every complete event has been drained, a residual single event
// larger than 1 MiB fails the decoder with ErrEventTooLarge; fragments
// decoded before the overflow are still returned.
func (d *Decoder) Feed(chunk []byte) ([]string, error) {
	if d.done || d.err != nil {
		return nil, d.err
	}
	d.buf.Write(chunk)

	var fragments []string
	for {
		raw := d.buf.Bytes()
		idx, delimLen := indexEventDelim(raw)
		if idx < 0 {
			break
		}
		event := make([]byte, idx)
		copy(event, raw[:idx])
		d.buf.Next(idx + delimLen)

		for _, line := range bytes.Split(event, []byte("\n")) {
			line = bytes.TrimSuffix(line, []byte("\r"))
			if !bytes.HasPrefix(line, []byte(dataPrefix)) {
				continue
			}
			payload := bytes.TrimSpace(line[len(dataPrefix):])
			if string(payload) == doneSentinel {
				d.done = true
				return fragments, nil
			}
			var pc chunkPayload
			if err := json.Unmarshal(payload, &pc); err != nil {
				// Tolerate upstream formatting noise.
				continue
			}
			content := ""
			if len(pc.Choices) > 0 {
				content = pc.Choices[0].Delta.Content
				if content == "" {
					content = pc.Choices[0].Message.Content
				}
			}
			fragments = append(fragments, content)
		}
	}

	// Only an unterminated residual event counts against the cap; a large
	// delivery of well-formed events drained above is fine at any size.
	if d.buf.Len() > maxEventSize {
		d.err = ErrEventTooLarge
		return fragments, d.err
	}
	return fragments, nil
}

// indexEventDelim finds the earliest blank-line event delimiter, LF or
// CRLF flavoured, returning its offset and byte length.
func indexEventDelim(b []byte) (int, int) {
	lf := bytes.Index(b, []byte("\n\n"))
	crlf := bytes.Index(b, []byte("\r\n\r\n"))
	switch {
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return crlf, 4
	case lf >= 0:
		return lf, 2
	}
	return -1, 0
}
