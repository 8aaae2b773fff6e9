package proxy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// chunkWriter frames CLI output as OpenAI-style chat.completion.chunk events.
// One writer serves one response; the id and created timestamp stay fixed for
// the whole stream.
type chunkWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	id      string
	created int64
	model   string
}

func newChunkWriter(w http.ResponseWriter, flusher http.Flusher, model string) *chunkWriter {
	return &chunkWriter{
		w:       w,
		flusher: flusher,
		id:      "iflow-" + uuid.NewString(),
		created: time.Now().Unix(),
		model:   model,
	}
}

func (cw *chunkWriter) writeContent(content string) {
	cw.writeChunk(streamChoice{Delta: streamDelta{Content: content}})
}

// writeTerminal emits the empty-delta stop chunk followed by the [DONE]
// sentinel. Exactly one terminal sequence ends every stream.
func (cw *chunkWriter) writeTerminal() {
	stop := "stop"
	cw.writeChunk(streamChoice{FinishReason: &stop})
	_, _ = fmt.Fprint(cw.w, "data: [DONE]\n\n")
	cw.flush()
}

func (cw *chunkWriter) writeChunk(choice streamChoice) {
	chunk := streamChunk{
		ID:      cw.id,
		Object:  "chat.completion.chunk",
		Created: cw.created,
		Model:   cw.model,
		Choices: []streamChoice{choice},
	}
	payload, err := json.Marshal(chunk)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(cw.w, "data: %s\n\n", payload)
	cw.flush()
}

func (cw *chunkWriter) flush() {
	if cw.flusher != nil {
		cw.flusher.Flush()
	}
}
