// Package streaming reconstructs client-visible streams. It forwards
// genuine upstream SSE in either protocol, synthesizes pseudo-streams
// from buffered responses, and runs the anti-truncation continuation
// loop for generations that stop before their completion marker.
package streaming

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net/http"

	"gcliproxy/internal/constants"
	apperrors "gcliproxy/internal/errors"
)

var (
	dataPrefix   = []byte("data: ")
	doneSentinel = []byte("[DONE]")
)

// Writer emits SSE events, flushing after each one when the underlying
// writer supports it.
type Writer struct {
	w  io.Writer
	fl http.Flusher
}

// NewWriter wraps w. Writers without a Flusher, such as test buffers,
// work fine; events are just not flushed eagerly.
func NewWriter(w io.Writer) *Writer {
	fl, _ := w.(http.Flusher)
	return &Writer{w: w, fl: fl}
}

// Data writes one data event carrying payload.
func (s *Writer) Data(payload []byte) error {
	if _, err := s.w.Write(dataPrefix); err != nil {
		return err
	}
	if _, err := s.w.Write(payload); err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("\n\n")); err != nil {
		return err
	}
	if s.fl != nil {
		s.fl.Flush()
	}
	return nil
}

// Done writes the terminal [DONE] sentinel.
func (s *Writer) Done() error {
	if _, err := io.WriteString(s.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	if s.fl != nil {
		s.fl.Flush()
	}
	return nil
}

// Error renders err in the request's wire format and emits it as a
// data event, the way mid-stream failures reach clients.
func (s *Writer) Error(err error, format apperrors.ErrorFormat) error {
	var apiErr *apperrors.APIError
	if !errors.As(err, &apiErr) {
		apiErr = apperrors.Fatal(http.StatusInternalServerError, err.Error())
	}
	return s.Data(apiErr.ToJSON(format))
}

// Scanner iterates the data events of an upstream SSE stream.
type Scanner struct {
	scanner *bufio.Scanner
}

// NewScanner sizes the scan buffer for large generation chunks.
func NewScanner(r io.Reader) *Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, constants.SSEScannerInitialBufferSize), constants.SSEScannerMaxBufferSize)
	return &Scanner{scanner: sc}
}

// Next returns the next data payload. done is true at the [DONE]
// sentinel or at end of stream. Non-data lines are skipped.
func (s *Scanner) Next() (data []byte, done bool, err error) {
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}
		payload := bytes.TrimSpace(line[len(dataPrefix):])
		if bytes.EqualFold(payload, doneSentinel) {
			return nil, true, nil
		}
		return append([]byte(nil), payload...), false, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, false, err
	}
	return nil, true, nil
}
