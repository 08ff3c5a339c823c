package controller

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	cmd := Command{ID: "abc-123", Kind: CmdStatus}

	require.NoError(t, writeFrame(&buf, cmd))

	body, err := readFrame(&buf)
	require.NoError(t, err)

	var got Command
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, cmd, got)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x7F, 0xFF, 0xFF, 0xFF}) // huge length prefix, no body follows
	_, err := readFrame(&buf)
	assert.Error(t, err)
}

func TestDispatchUnknownCommandKindReturnsError(t *testing.T) {
	s := &Server{}
	reply := s.dispatch(nil, &Command{ID: "x", Kind: "bogus"})
	assert.Equal(t, ReplyError, reply.Kind)
	assert.Contains(t, reply.Error, "bogus")
}
