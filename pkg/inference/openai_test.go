package inference

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/require"
)

func newTestOpenAI(t *testing.T, h http.HandlerFunc) *OpenAI {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	o, err := NewOpenAI(OpenAIConfig{APIKey: "test-key", BaseURL: srv.URL + "/", Model: "test-model"}, option.WithMaxRetries(0))
	require.NoError(t, err)
	return o
}

func sseChunk(content string) string {
	return fmt.Sprintf(`data: {"id":"c1","object":"chat.completion.chunk","created":1,"model":"test-model","choices":[{"index":0,"delta":{"content":%q},"finish_reason":null}]}`+"\n\n", content)
}

func TestOpenAIStreamYieldsDeltas(t *testing.T) {
	var body, path string
	o := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, sseChunk("Hel"))
		_, _ = io.WriteString(w, sseChunk("lo"))
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	})

	var frags []string
	for frag, err := range o.Stream(context.Background(), userMsgs("hi")) {
		require.NoError(t, err)
		frags = append(frags, frag)
	}
	require.Equal(t, []string{"Hel", "lo"}, frags)
	require.True(t, strings.HasSuffix(path, "/chat/completions"), path)
	require.Contains(t, body, `"stream":true`)
	require.Contains(t, body, `"test-model"`)
	require.Contains(t, body, `"hi"`)
}

func TestOpenAIStreamRejectedRequest(t *testing.T) {
	o := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"error":{"message":"boom","type":"server_error"}}`)
	})

	got, err := Collect(o.Stream(context.Background(), userMsgs("hi")))
	require.Equal(t, "", got)
	var ge *GenerationError
	require.ErrorAs(t, err, &ge)
	require.Equal(t, "openai", ge.Backend)
}

func TestOpenAIComplete(t *testing.T) {
	o := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"c2","object":"chat.completion","created":1,"model":"test-model","choices":[{"index":0,"message":{"role":"assistant","content":"A short chat."},"finish_reason":"stop"}]}`)
	})

	out, err := o.Complete(context.Background(), userMsgs("hi"))
	require.NoError(t, err)
	require.Equal(t, "A short chat.", out)
}

func TestNewOpenAIRequiresKey(t *testing.T) {
	_, err := NewOpenAI(OpenAIConfig{})
	require.Error(t, err)
}
