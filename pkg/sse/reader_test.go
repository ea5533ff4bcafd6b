package sse

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestReader_Framing(t *testing.T) {
	tests := []struct {
		name   string
		stream string
		want   []*Event
	}{
		{
			name:   "single json event",
			stream: "event: session.event\nid: evt_1\ndata: {\"a\":1}\n\n",
			want: []*Event{{
				Event:   "session.event",
				ID:      strPtr("evt_1"),
				RawData: `{"a":1}`,
				Data:    map[string]any{"a": json.Number("1")},
			}},
		},
		{
			name:   "multi-line data joined",
			stream: "data: line one\ndata:line two\n\n",
			want:   []*Event{{Event: "message", RawData: "line one\nline two", Data: "line one\nline two"}},
		},
		{
			name:   "comment only block is dropped",
			stream: ": keepalive\n\n",
		},
		{
			name:   "comment with event field is dropped",
			stream: ": ping\nevent: tick\n\n",
		},
		{
			name:   "field without data emits empty event",
			stream: "event: ready\nid: 7\n\n",
			want:   []*Event{{Event: "ready", ID: strPtr("7")}},
		},
		{
			name:   "comment does not drop data",
			stream: ": note\ndata: 1\n\n",
			want:   []*Event{{Event: "message", RawData: "1", Data: json.Number("1")}},
		},
		{
			name:   "blank lines alone emit nothing",
			stream: "\n\n\n",
		},
		{
			name:   "null literal",
			stream: "data: null\n\n",
			want:   []*Event{{Event: "message", RawData: "null", Data: nil}},
		},
		{
			name:   "empty data value stays a string",
			stream: "data:\n\n",
			want:   []*Event{{Event: "message", RawData: "", Data: ""}},
		},
		{
			name:   "bare data field",
			stream: "data\n\n",
			want:   []*Event{{Event: "message", RawData: "", Data: ""}},
		},
		{
			name:   "crlf line endings",
			stream: "event: a\r\ndata: x\r\n\r\n",
			want:   []*Event{{Event: "a", RawData: "x", Data: "x"}},
		},
		{
			name:   "only one leading space stripped",
			stream: "data:  padded\n\n",
			want:   []*Event{{Event: "message", RawData: " padded", Data: " padded"}},
		},
		{
			name:   "blank event and id reset to defaults",
			stream: "event:   \nid:  \ndata: x\n\n",
			want:   []*Event{{Event: "message", RawData: "x", Data: "x"}},
		},
		{
			name:   "unknown fields ignored but count as fields",
			stream: "retry: 1000\n\n",
			want:   []*Event{{Event: "message"}},
		},
		{
			name:   "trailing garbage is not json",
			stream: "data: {\"a\":1} tail\n\n",
			want:   []*Event{{Event: "message", RawData: `{"a":1} tail`, Data: `{"a":1} tail`}},
		},
		{
			name:   "partial block flushed at end",
			stream: "data: first\n\nid: 2\ndata: [1,2]",
			want: []*Event{
				{Event: "message", RawData: "first", Data: "first"},
				{Event: "message", ID: strPtr("2"), RawData: "[1,2]", Data: []any{json.Number("1"), json.Number("2")}},
			},
		},
		{
			name:   "state resets between events",
			stream: "event: a\nid: 1\ndata: x\n\ndata: y\n\n",
			want: []*Event{
				{Event: "a", ID: strPtr("1"), RawData: "x", Data: "x"},
				{Event: "message", RawData: "y", Data: "y"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Collect(strings.NewReader(tt.stream))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReader_InvalidUTF8Replaced(t *testing.T) {
	got, err := Collect(strings.NewReader("data: a\xffb\n\n"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a�b", got[0].RawData)
}

func TestReader_NextAfterEOF(t *testing.T) {
	r := NewReader(strings.NewReader("data: 1\n\n"))
	ev, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "1", ev.RawData)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReader_OneByteReads(t *testing.T) {
	stream := "event: x\ndata: {\"k\":\"v\"}\n\n: ping\n\ndata: tail"
	got, err := Collect(iotest.OneByteReader(strings.NewReader(stream)))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, map[string]any{"k": "v"}, got[0].Data)
	assert.Equal(t, "tail", got[1].Data)
}

func TestReader_ReadErrorSurfaces(t *testing.T) {
	boom := errors.New("connection dropped")
	src := io.MultiReader(strings.NewReader("data: 1\n\n"), iotest.ErrReader(boom))

	var events []*Event
	var gotErr error
	for ev, err := range NewReader(src).All() {
		if err != nil {
			gotErr = err
			continue
		}
		events = append(events, ev)
	}
	require.Len(t, events, 1)
	assert.ErrorIs(t, gotErr, boom)
}

func TestReader_AllStopsEarly(t *testing.T) {
	r := NewReader(strings.NewReader("data: 1\n\ndata: 2\n\ndata: 3\n\n"))
	n := 0
	for range r.All() {
		n++
		if n == 2 {
			break
		}
	}
	ev, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "3", ev.RawData)
}

func TestDecodeData(t *testing.T) {
	assert.Nil(t, DecodeData("null"))
	assert.Equal(t, true, DecodeData("true"))
	assert.Equal(t, "plain", DecodeData("plain"))
	assert.Equal(t, "hi", DecodeData(`"hi"`))
	assert.Equal(t, json.Number("12345678901234567890"), DecodeData("12345678901234567890"))
	assert.Equal(t, "NaN", DecodeData("NaN"))
}
