package completion

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// chunkedBody hands out one predefined chunk per Read call.
type chunkedBody struct {
	chunks []string
	closed bool
}

func (b *chunkedBody) Read(p []byte) (int, error) {
	if b.closed {
		return 0, errors.New("read on closed body")
	}
	for len(b.chunks) > 0 && b.chunks[0] == "" {
		b.chunks = b.chunks[1:]
	}
	if len(b.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, b.chunks[0])
	b.chunks[0] = b.chunks[0][n:]
	return n, nil
}

func (b *chunkedBody) Close() error {
	b.closed = true
	return nil
}

// brokenBody delivers its data and then fails like a dropped connection.
type brokenBody struct {
	chunkedBody
}

func (b *brokenBody) Read(p []byte) (int, error) {
	n, err := b.chunkedBody.Read(p)
	if errors.Is(err, io.EOF) {
		return 0, io.ErrUnexpectedEOF
	}
	return n, err
}

func drain(t *testing.T, s *Stream) []string {
	t.Helper()
	var deltas []string
	for i := 0; i < 10000; i++ {
		delta, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return deltas
		}
		require.NoError(t, err)
		require.NotEmpty(t, delta)
		deltas = append(deltas, delta)
	}
	t.Fatal("stream did not terminate")
	return nil
}

const helloStream = "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n" +
	"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n" +
	"data: [DONE]\n"

func TestStreamReassemblyAtEverySplit(t *testing.T) {
	for i := 0; i <= len(helloStream); i++ {
		body := &chunkedBody{chunks: []string{helloStream[:i], helloStream[i:]}}
		s := newStream(context.Background(), body, zap.NewNop())

		deltas := drain(t, s)
		assert.Equal(t, []string{"Hel", "lo"}, deltas, "split at %d", i)
		assert.Equal(t, "Hello", s.Text(), "split at %d", i)
		assert.True(t, body.closed, "body must be released at the end")
	}
}

func TestStreamReassemblyByteByByte(t *testing.T) {
	payload := "data: {\"choices\":[{\"delta\":{\"content\":\"¡Hola, \"}}]}\r\n" +
		"\r\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"señor 🌋\"}}]}\r\n" +
		"\r\n" +
		"data: [DONE]\r\n"

	chunks := make([]string, 0, len(payload))
	for i := 0; i < len(payload); i++ {
		chunks = append(chunks, payload[i:i+1])
	}

	s := newStream(context.Background(), &chunkedBody{chunks: chunks}, zap.NewNop())
	drain(t, s)
	assert.Equal(t, "¡Hola, señor 🌋", s.Text())
}

func TestStreamSkipsMalformedRecord(t *testing.T) {
	payload := "data: {\"choices\":[{\"delta\":{\"content\":\"Good \"}}]}\n" +
		"data: {\"choices\":[{\"delta\":\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"morning\"}}]}\n" +
		"data: [DONE]\n"

	s := newStream(context.Background(), &chunkedBody{chunks: []string{payload}}, zap.NewNop())
	deltas := drain(t, s)

	assert.Equal(t, []string{"Good ", "morning"}, deltas)
	assert.Equal(t, "Good morning", s.Text())
}

func TestStreamIgnoresNonDataLinesAndEmptyDeltas(t *testing.T) {
	payload := ": keep-alive\n" +
		"\n" +
		"event: message\n" +
		"data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n" +
		"data: {\"choices\":[]}\n" +
		"data:\n" +
		"data:{\"choices\":[{\"delta\":{\"content\":\"Tenerife\"}}]}\n" +
		"data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n" +
		"data: [DONE]\n"

	s := newStream(context.Background(), &chunkedBody{chunks: []string{payload}}, zap.NewNop())
	assert.Equal(t, []string{"Tenerife"}, drain(t, s))
}

func TestStreamEndsAtDone(t *testing.T) {
	payload := helloStream + "data: {\"choices\":[{\"delta\":{\"content\":\"ignored\"}}]}\n"

	s := newStream(context.Background(), &chunkedBody{chunks: []string{payload}}, zap.NewNop())
	drain(t, s)
	assert.Equal(t, "Hello", s.Text())
}

func TestStreamWithoutDoneKeepsPartialText(t *testing.T) {
	payload := "data: {\"choices\":[{\"delta\":{\"content\":\"La Palma is \"}}]}\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"green\"}}]}"

	s := newStream(context.Background(), &chunkedBody{chunks: []string{payload}}, zap.NewNop())
	drain(t, s)
	assert.Equal(t, "La Palma is green", s.Text())
}

func TestStreamDroppedConnectionKeepsPartialText(t *testing.T) {
	payload := "data: {\"choices\":[{\"delta\":{\"content\":\"Teide is \"}}]}\n" +
		"data: {\"choices\":[{\"delta\":{\"con"

	s := newStream(context.Background(), &brokenBody{chunkedBody{chunks: []string{payload}}}, zap.NewNop())
	deltas := drain(t, s)
	assert.Equal(t, []string{"Teide is "}, deltas)
	assert.Equal(t, "Teide is ", s.Text())
}

func TestStreamCloseByConsumer(t *testing.T) {
	body := &chunkedBody{chunks: []string{helloStream}}
	s := newStream(context.Background(), body, zap.NewNop())

	delta, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, "Hel", delta)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.True(t, body.closed)

	_, err = s.Recv()
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "Hel", s.Text())
}

func TestStreamTextConcatenatesInOrder(t *testing.T) {
	var b strings.Builder
	want := make([]string, 0, 50)
	for i := 0; i < 50; i++ {
		piece := strings.Repeat(string(rune('a'+i%26)), i%4+1)
		want = append(want, piece)
		b.WriteString("data: {\"choices\":[{\"delta\":{\"content\":\"" + piece + "\"}}]}\n")
	}
	b.WriteString("data: [DONE]\n")

	s := newStream(context.Background(), &chunkedBody{chunks: []string{b.String()}}, zap.NewNop())
	assert.Equal(t, want, drain(t, s))
	assert.Equal(t, strings.Join(want, ""), s.Text())
}
