package protocol

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFrameReaderCoalesced verifies that several frames written into one
// buffer come back as separate payloads.
func TestFrameReaderCoalesced(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte(`{"_type":3}`)))
	require.NoError(t, WriteFrame(&buf, []byte(`{"_type":4}`)))

	fr := NewFrameReader(&buf)
	first, err := fr.Next()
	require.NoError(t, err)
	assert.Equal(t, `{"_type":3}`, string(first))

	second, err := fr.Next()
	require.NoError(t, err)
	assert.Equal(t, `{"_type":4}`, string(second))

	_, err = fr.Next()
	assert.ErrorIs(t, err, io.EOF)
}

// oneByteReader forces the reader to reassemble fragmented frames.
type oneByteReader struct{ r io.Reader }

func (o oneByteReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return o.r.Read(p[:1])
}

func TestFrameReaderFragmented(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("hello frame")))

	fr := NewFrameReader(oneByteReader{&buf})
	got, err := fr.Next()
	require.NoError(t, err)
	assert.Equal(t, "hello frame", string(got))
}

func TestFrameReaderTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("0123456789")))
	truncated := bytes.NewReader(buf.Bytes()[:8])

	_, err := NewFrameReader(truncated).Next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestFrameReaderRejectsOversized(t *testing.T) {
	hdr := []byte{0xff, 0xff, 0xff, 0xff}
	_, err := NewFrameReader(bytes.NewReader(hdr)).Next()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestParse(t *testing.T) {
	codecs := []Codec{JSONCodec{}, MsgpackCodec{}}

	for _, codec := range codecs {
		t.Run(codec.Name(), func(t *testing.T) {
			t.Run("claim request", func(t *testing.T) {
				f, err := NewFrame(codec, KindShardListDataRequest, "n1", &ShardClaimRequest{MaxClusters: 2})
				require.NoError(t, err)

				raw, err := Encode(codec, f)
				require.NoError(t, err)
				decoded, err := Decode(codec, raw)
				require.NoError(t, err)
				assert.Equal(t, "n1", decoded.Nonce)

				msg, err := Parse(codec, decoded)
				require.NoError(t, err)
				claim, ok := msg.(*ShardClaimRequest)
				require.True(t, ok, "got %T", msg)
				assert.Equal(t, 2, claim.MaxClusters)
			})

			t.Run("plan update keeps nesting", func(t *testing.T) {
				update := &ShardPlanUpdate{
					TotalShards: 4,
					ShardClusterList: []Group{
						{{0, 1}},
						{{2, 3}},
					},
				}
				f, err := NewFrame(codec, update.Kind(), "", update)
				require.NoError(t, err)
				raw, err := Encode(codec, f)
				require.NoError(t, err)
				decoded, err := Decode(codec, raw)
				require.NoError(t, err)

				msg, err := Parse(codec, decoded)
				require.NoError(t, err)
				assert.Equal(t, update, msg)
			})

			t.Run("server broadcast is tagged", func(t *testing.T) {
				f, err := NewFrame(codec, KindServerBroadcastRequest, "n2", &BroadcastRequest{Script: "1+1"})
				require.NoError(t, err)
				msg, err := Parse(codec, f)
				require.NoError(t, err)
				req := msg.(*BroadcastRequest)
				assert.True(t, req.Server)
				assert.Equal(t, KindServerBroadcastRequest, req.Kind())
			})

			t.Run("unknown kind becomes custom", func(t *testing.T) {
				f, err := NewFrame(codec, Kind(99), "n3", map[string]any{"hello": "world"})
				require.NoError(t, err)
				msg, err := Parse(codec, f)
				require.NoError(t, err)
				custom, ok := msg.(*Custom)
				require.True(t, ok)
				assert.Equal(t, Kind(99), custom.Kind())

				var out map[string]string
				require.NoError(t, custom.Decode(&out))
				assert.Equal(t, "world", out["hello"])
			})
		})
	}

	t.Run("responses are rejected", func(t *testing.T) {
		_, err := Parse(JSONCodec{}, &Frame{Kind: KindCustomReply, Nonce: "late"})
		assert.Error(t, err)
	})

	t.Run("malformed body", func(t *testing.T) {
		_, err := Parse(JSONCodec{}, &Frame{Kind: KindShardListDataRequest, Body: []byte(`{"maxClusters":"x"}`)})
		assert.Error(t, err)
	})
}

func TestResponseKind(t *testing.T) {
	tests := []struct {
		req  Kind
		want Kind
	}{
		{KindHeartbeat, KindHeartbeatAck},
		{KindClientBroadcastRequest, KindClientBroadcastResponse},
		{KindServerBroadcastRequest, KindServerBroadcastResponse},
		{KindGuildEvalRequest, KindGuildEvalResponse},
		{KindCacheClearRequest, KindCacheClearResponse},
		{KindShardListDataRequest, KindCustomReply},
		{KindCustomRequest, KindCustomReply},
	}
	for _, tt := range tests {
		t.Run(tt.req.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.req.ResponseKind())
			assert.True(t, (&Frame{Kind: tt.want}).IsResponse())
		})
	}
}

func TestGroup(t *testing.T) {
	g := Group{{0, 1}, {2, 3}}
	assert.Equal(t, []int{0, 1, 2, 3}, g.Shards())
	assert.True(t, g.Contains(3))
	assert.False(t, g.Contains(4))
}

func TestFrameErr(t *testing.T) {
	f := NewErrorFrame(KindCustomReply, "n", "boom")
	err := f.Err()
	require.Error(t, err)
	assert.True(t, IsRemote(err))
	assert.Equal(t, "boom", err.Error())
	assert.NoError(t, (&Frame{}).Err())
}
