package upstream

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"sync"

	"github.com/tidwall/gjson"

	"gcliproxy/internal/constants"
	apperrors "gcliproxy/internal/errors"
)

// sniffStream reads the first SSE event off a fresh stream. The Code
// Assist API sometimes accepts the request and then delivers its quota
// error as the first event of a 200 stream; that case must re-dispatch,
// not reach the client. When the first event is that error the body is
// closed and the rate-limit error returned. Otherwise the returned
// reader replays the consumed bytes ahead of the rest of the stream.
func sniffStream(body io.ReadCloser) (io.ReadCloser, *apperrors.APIError) {
	br := bufio.NewReaderSize(body, constants.SSEScannerInitialBufferSize)
	var consumed bytes.Buffer
	var firstData []byte

	for consumed.Len() < constants.MaxErrorBodyBytes {
		line, err := br.ReadBytes('\n')
		consumed.Write(line)
		trimmed := bytes.TrimSpace(line)
		if data, ok := bytes.CutPrefix(trimmed, []byte("data:")); ok && firstData == nil {
			firstData = bytes.TrimSpace(data)
		}
		if len(trimmed) == 0 && firstData != nil {
			break
		}
		if err != nil {
			break
		}
	}

	if apiErr := streamQuotaError(firstData); apiErr != nil {
		_ = body.Close()
		return nil, apiErr
	}
	return &replayBody{
		reader: io.MultiReader(bytes.NewReader(consumed.Bytes()), br),
		closer: body,
	}, nil
}

// streamQuotaError reports whether an SSE data payload carries the
// upstream quota error (error.code 429 or status RESOURCE_EXHAUSTED).
func streamQuotaError(data []byte) *apperrors.APIError {
	if len(data) == 0 || bytes.Equal(data, []byte("[DONE]")) {
		return nil
	}
	errNode := gjson.GetBytes(data, "error")
	if !errNode.Exists() {
		return nil
	}
	if errNode.Get("code").Int() == http.StatusTooManyRequests ||
		errNode.Get("status").String() == "RESOURCE_EXHAUSTED" {
		return apperrors.RateLimited(errNode.Get("message").String())
	}
	return nil
}

// replayBody serves the sniffed prefix before the rest of the stream.
type replayBody struct {
	reader io.Reader
	closer io.Closer
}

func (r *replayBody) Read(p []byte) (int, error) { return r.reader.Read(p) }
func (r *replayBody) Close() error               { return r.closer.Close() }

// streamBody ties the credential's concurrency slot to the stream: the
// slot frees when the caller finishes reading and closes it.
type streamBody struct {
	io.ReadCloser
	release func()
	once    sync.Once
}

func newStreamBody(rc io.ReadCloser, release func()) *streamBody {
	return &streamBody{ReadCloser: rc, release: release}
}

func (s *streamBody) Close() error {
	err := s.ReadCloser.Close()
	s.once.Do(s.release)
	return err
}
