package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/sandboxlabs/sandboxd/pkg/events"
)

// sseWriter streams typed events to a client as Server-Sent Events, one
// "data: {...}\n\n" record per event, flushed immediately so the caller
// sees progress as it happens rather than buffered at the end.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// newSSEWriter prepares w for event streaming. Returns nil if the
// underlying ResponseWriter can't flush incrementally.
func newSSEWriter(w http.ResponseWriter) *sseWriter {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher}
}

type typed interface {
	Type() string
}

// writeEvent marshals ev and stamps it with the wire "$type" discriminator
// the executor contract and the lifecycle events both use, matching the
// $type field executorclient decodes on the other side of the sandbox
// boundary.
func (s *sseWriter) writeEvent(ev typed) {
	body, err := json.Marshal(ev)
	if err != nil {
		return
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return
	}
	typeJSON, _ := json.Marshal(ev.Type())
	m["$type"] = typeJSON

	payload, err := json.Marshal(m)
	if err != nil {
		return
	}
	_, _ = s.w.Write([]byte("data: "))
	_, _ = s.w.Write(payload)
	_, _ = s.w.Write([]byte("\n\n"))
	s.flusher.Flush()
}

func (s *sseWriter) writeLifecycle(ev events.LifecycleEvent) {
	s.writeEvent(ev)
}

func (s *sseWriter) writeExecution(ev events.ExecutionEvent) {
	s.writeEvent(ev)
}

// pipeLifecycle drains stream onto the client, one event per record, until
// the stream closes (always after exactly one terminal event).
func (s *sseWriter) pipeLifecycle(stream *events.Stream[events.LifecycleEvent]) {
	for ev := range stream.Events() {
		s.writeLifecycle(ev)
	}
}
