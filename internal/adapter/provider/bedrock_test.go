package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thushan/porter/internal/core/domain"
)

func bedrockEndpoint(apiBase string, family domain.BedrockFamily) *domain.EndpointConfig {
	return &domain.EndpointConfig{
		ID:                "br1",
		Provider:          domain.ProviderBedrock,
		Family:            family,
		APIBase:           apiBase,
		UpstreamModelName: "anthropic.claude-3-sonnet-20240229-v1:0",
	}
}

func awsCred() domain.Credential {
	return domain.Credential{
		Kind: domain.CredentialAWS,
		AWS: domain.AWSMaterial{
			Region:          "us-east-1",
			AccessKeyID:     "AKIATEST",
			SecretAccessKey: "secret",
		},
	}
}

func TestBedrockAdapter_ChatSignsRequest(t *testing.T) {
	var gotPath, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"content":[{"type":"text","text":"pong"}],
			"stop_reason":"end_turn","usage":{"input_tokens":2,"output_tokens":1}}`))
	}))
	defer server.Close()

	adapter := newBedrockAdapter(bedrockEndpoint(server.URL, domain.BedrockAnthropic), server.Client(), nil)
	resp, _, err := adapter.Chat(context.Background(), chatReq(false), awsCred())
	require.NoError(t, err)

	// model id URL-encoded into the invoke path
	assert.Equal(t, "/model/anthropic.claude-3-sonnet-20240229-v1:0/invoke", gotPath)
	assert.True(t, strings.HasPrefix(gotAuth, "AWS4-HMAC-SHA256"))
	assert.Contains(t, gotAuth, "us-east-1/bedrock/aws4_request")

	assert.Equal(t, "pong", resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
}

func TestBedrockAdapter_TranslateResponsePerFamily(t *testing.T) {
	cases := []struct {
		family  domain.BedrockFamily
		raw     string
		content string
		finish  string
	}{
		{domain.BedrockLlama,
			`{"generation":"out","prompt_token_count":3,"generation_token_count":2,"stop_reason":"stop"}`,
			"out", "stop"},
		{domain.BedrockTitan,
			`{"inputTextTokenCount":5,"results":[{"tokenCount":2,"outputText":"out","completionReason":"FINISH"}]}`,
			"out", "stop"},
		{domain.BedrockNova,
			`{"output":{"message":{"role":"assistant","content":[{"text":"out"}]}},"stopReason":"end_turn","usage":{"inputTokens":4,"outputTokens":2}}`,
			"out", "stop"},
		{domain.BedrockMistral,
			`{"outputs":[{"text":"out","stop_reason":"stop"}]}`,
			"out", "stop"},
		{domain.BedrockCohere,
			`{"text":"out","finish_reason":"COMPLETE"}`,
			"out", "stop"},
		{domain.BedrockAI21,
			`{"choices":[{"message":{"role":"assistant","content":"out"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2}}`,
			"out", "stop"},
	}

	for _, tc := range cases {
		t.Run(string(tc.family), func(t *testing.T) {
			adapter := newBedrockAdapter(bedrockEndpoint("", tc.family), nil, nil)
			resp, err := adapter.translateResponse([]byte(tc.raw))
			require.NoError(t, err)
			assert.Equal(t, tc.content, resp.Choices[0].Message.Content)
			assert.Equal(t, tc.finish, resp.Choices[0].FinishReason)
		})
	}
}

// writeChunkEvent frames one family payload the way the runtime does: the
// JSON base64-wrapped under "bytes" inside a chunk event.
func writeChunkEvent(t *testing.T, w http.ResponseWriter, payload string) {
	t.Helper()
	encoder := eventstream.NewEncoder()
	wrapped := fmt.Sprintf(`{"bytes":%q}`, base64.StdEncoding.EncodeToString([]byte(payload)))
	msg := eventstream.Message{
		Headers: eventstream.Headers{
			{Name: ":message-type", Value: eventstream.StringValue("event")},
			{Name: ":event-type", Value: eventstream.StringValue("chunk")},
		},
		Payload: []byte(wrapped),
	}
	require.NoError(t, encoder.Encode(w, msg))
}

func TestBedrockAdapter_ChatStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.EscapedPath(), "/invoke-with-response-stream"))
		writeChunkEvent(t, w, `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"He"}}`)
		writeChunkEvent(t, w, `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"llo"}}`)
		writeChunkEvent(t, w, `{"type":"message_delta","delta":{"stop_reason":"end_turn"}}`)
	}))
	defer server.Close()

	adapter := newBedrockAdapter(bedrockEndpoint(server.URL, domain.BedrockAnthropic), server.Client(), nil)
	stream, _, err := adapter.ChatStream(context.Background(), chatReq(true), awsCred())
	require.NoError(t, err)

	var chunks []domain.Chunk
	for chunk := range stream {
		require.NoError(t, chunk.Err)
		chunks = append(chunks, chunk)
	}

	require.Len(t, chunks, 3)
	assert.Equal(t, "He", chunks[0].Choices[0].Delta.Content)
	assert.Equal(t, "llo", chunks[1].Choices[0].Delta.Content)
	assert.Equal(t, "stop", chunks[2].Choices[0].FinishReason)
}

func TestBedrockAdapter_ChatStreamMidStreamDisconnect(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 3; i++ {
			writeChunkEvent(t, w, `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"x"}}`)
		}
		w.(http.Flusher).Flush()
		// drop the connection mid-stream
		hj, ok := w.(http.Hijacker)
		require.True(t, ok)
		conn, _, err := hj.Hijack()
		require.NoError(t, err)
		conn.Close()
	}))
	defer server.Close()

	adapter := newBedrockAdapter(bedrockEndpoint(server.URL, domain.BedrockAnthropic), server.Client(), nil)
	stream, _, err := adapter.ChatStream(context.Background(), chatReq(true), awsCred())
	require.NoError(t, err)

	var delivered int
	var streamErr error
	for chunk := range stream {
		if chunk.Err != nil {
			streamErr = chunk.Err
			continue
		}
		delivered++
	}

	// chunks before the drop are delivered, then a single stream-level error
	assert.Equal(t, 3, delivered)
	assert.Error(t, streamErr)
}

func TestBedrockAdapter_ExceptionEventEndsStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		encoder := eventstream.NewEncoder()
		msg := eventstream.Message{
			Headers: eventstream.Headers{
				{Name: ":message-type", Value: eventstream.StringValue("exception")},
				{Name: ":exception-type", Value: eventstream.StringValue("throttlingException")},
			},
			Payload: []byte(`{"message":"slow down"}`),
		}
		require.NoError(t, encoder.Encode(w, msg))
	}))
	defer server.Close()

	adapter := newBedrockAdapter(bedrockEndpoint(server.URL, domain.BedrockAnthropic), server.Client(), nil)
	stream, _, err := adapter.ChatStream(context.Background(), chatReq(true), awsCred())
	require.NoError(t, err)

	var streamErr error
	for chunk := range stream {
		if chunk.Err != nil {
			streamErr = chunk.Err
		}
	}
	require.Error(t, streamErr)
	assert.Contains(t, streamErr.Error(), "throttlingException")
}

func TestBedrockAdapter_NovaChunks(t *testing.T) {
	adapter := newBedrockAdapter(bedrockEndpoint("", domain.BedrockNova), nil, nil)

	chunk, ok := adapter.translateChunk("id1", 0, []byte(`{"contentBlockDelta":{"delta":{"text":"hi"}}}`))
	require.True(t, ok)
	assert.Equal(t, "hi", chunk.Choices[0].Delta.Content)

	chunk, ok = adapter.translateChunk("id1", 0, []byte(`{"messageStop":{"stopReason":"end_turn"}}`))
	require.True(t, ok)
	assert.Equal(t, "stop", chunk.Choices[0].FinishReason)

	_, ok = adapter.translateChunk("id1", 0, []byte(`{"metadata":{"usage":{}}}`))
	assert.False(t, ok)
}
