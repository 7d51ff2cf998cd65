package provider

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/thushan/porter/internal/core/domain"
	"github.com/thushan/porter/internal/logger"
	litepool "github.com/thushan/porter/pkg/pool"
)

// sseDoneSentinel terminates OpenAI-style SSE streams.
const sseDoneSentinel = "[DONE]"

// sseMaxLineSize bounds a single SSE line; generous for tool-call deltas.
const sseMaxLineSize = 1 << 20

// scanBufSize is the initial scanner buffer; recycled across streams.
const scanBufSize = 64 * 1024

var scanBufPool = func() *litepool.Pool[[]byte] {
	p, err := litepool.NewLitePool(func() []byte { return make([]byte, scanBufSize) })
	if err != nil {
		panic(err)
	}
	return p
}()

// chunkTranslator converts one raw stream payload into a canonical chunk.
// ok=false drops the payload (comments, pings, chunk types with no content).
type chunkTranslator func(data []byte) (chunk domain.Chunk, ok bool, err error)

// streamSSE reads an SSE body line by line, translating each data payload and
// emitting it on out. Malformed payloads are logged and skipped; the stream
// ends on [DONE], EOF, transport error or context cancellation. The body and
// the out channel are always closed before return.
func streamSSE(ctx context.Context, endpointID string, body io.ReadCloser, out chan<- domain.Chunk, translate chunkTranslator, log *logger.StyledLogger) {
	defer close(out)
	defer body.Close()

	buf := scanBufPool.Get()
	defer scanBufPool.Put(buf)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(buf, sseMaxLineSize)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		// only data fields carry payloads; event names are embedded in the
		// payload JSON for the providers we speak to
		data, found := strings.CutPrefix(line, "data:")
		if !found {
			continue
		}
		data = strings.TrimSpace(data)
		if data == sseDoneSentinel {
			return
		}

		chunk, ok, err := translate([]byte(data))
		if err != nil {
			if log != nil {
				log.WarnWithEndpoint("Skipping malformed stream chunk", endpointID, "error", err)
			}
			continue
		}
		if !ok {
			continue
		}

		select {
		case out <- chunk:
		case <-ctx.Done():
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		select {
		case out <- domain.Chunk{Err: err}:
		case <-ctx.Done():
		}
	}
}
