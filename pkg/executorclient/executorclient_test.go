package executorclient

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sandboxlabs/sandboxd/pkg/events"
	"github.com/stretchr/testify/require"
)

func TestHealthyReturnsTrueOn200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL)
	require.True(t, c.Healthy(context.Background()))
}

func TestHealthyReturnsFalseOnUnreachable(t *testing.T) {
	c := New("http://127.0.0.1:1")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.False(t, c.Healthy(ctx))
}

func TestExecuteStreamsOutputThenCompleted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `data: {"$type":"OutputEvent","pid":1,"stream":"stdout","data":"aGk="}`+"\n\n")
		fmt.Fprint(w, `data: {"$type":"CompletedEvent","pid":1,"exitCode":0}`+"\n\n")
	}))
	defer srv.Close()

	c := New(srv.URL)
	stream := events.NewStream[events.ExecutionEvent](16)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go c.Execute(ctx, "echo hi", 10, stream)

	var got []events.ExecutionEvent
	for ev := range stream.Events() {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	require.Equal(t, "OutputEvent", got[0].Type())
	require.Equal(t, "CompletedEvent", got[1].Type())
	require.True(t, got[1].Terminal())
}

func TestExecuteSynthesizesCompletedOnUnreachable(t *testing.T) {
	c := New("http://127.0.0.1:1")
	stream := events.NewStream[events.ExecutionEvent](16)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	c.Execute(ctx, "echo hi", 10, stream)

	var got []events.ExecutionEvent
	for ev := range stream.Events() {
		got = append(got, ev)
	}
	require.Len(t, got, 1)
	completed := got[0].(events.CompletedEvent)
	require.Equal(t, -1, completed.ExitCode)
}
