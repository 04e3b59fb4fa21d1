package executor

import (
	"bufio"
	"bytes"
	"context"
	"io"
)

// consumeStream reads a chunked, newline-framed SSE-style body,
// forwarding each non-empty chunk to the progress bus (if configured) as
// it arrives, and returns the concatenated body parsed as a single JSON
// value once the stream closes. The caller never sees the
// partially-buffered state — only the final value.
func (e *Executor) consumeStream(ctx context.Context, requestID string, body io.Reader) (any, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var buf []byte
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
		if e.cfg.Progress != nil {
			e.cfg.Progress.PublishRequestProgress(ctx, requestID, 0, nil, string(line))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return decodeJSON(bytes.NewReader(buf))
}
