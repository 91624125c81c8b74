// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemainingLength(t *testing.T) {
	cases := []struct {
		value   int
		encoded string
	}{
		{0, "00"},
		{127, "7F"},
		{128, "8001"},
		{16383, "FF7F"},
		{16384, "808001"},
		{2097151, "FFFF7F"},
		{2097152, "80808001"},
		{268435455, "FFFFFF7F"},
	}
	for _, tc := range cases {
		enc := EncodeRemainingLength(tc.value)
		assert.Equal(t, unhex(t, tc.encoded), enc, "encode %d", tc.value)

		v, n, err := DecodeRemainingLength(enc)
		require.NoError(t, err)
		assert.Equal(t, tc.value, v)
		assert.Equal(t, len(enc), n)
	}

	_, _, err := DecodeRemainingLength(unhex(t, "FFFF"))
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestWritePacketHeader(t *testing.T) {
	assert.Equal(t, unhex(t, "C000"), WritePacketHeader(TypePingREQ, 0, 0))
	assert.Equal(t, unhex(t, "62C801"), WritePacketHeader(TypePubREL, 0x02, 200))
	assert.Equal(t, unhex(t, "3F05"), WritePacketHeader(TypePublish, 0xFF, 5))
}

func TestReadString(t *testing.T) {
	cases := []struct {
		desc   string
		data   string
		want   string
		reason string
	}{
		{desc: "ascii", data: "0003 616263", want: "abc"},
		{desc: "empty", data: "0000", want: ""},
		{desc: "zero width no-break space kept", data: "0003 EFBBBF", want: "\uFEFF"},
		{desc: "multibyte", data: "0005 41F0AA9B94", want: "A\U0002A6D4"},
		{desc: "surrogate pair", data: "0006 EDA080EDB080", reason: "Invalid UTF-8 string (contains surrogates)"},
		{desc: "embedded null", data: "0003 610062", reason: "Invalid UTF-8 string (contains nulls)"},
		{desc: "invalid sequence", data: "0002 C328", reason: "Invalid UTF-8 string"},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			s, err := ReadString(NewPacketReader(unhex(t, tc.data)))
			if tc.reason != "" {
				var pf *ParseFailure
				require.ErrorAs(t, err, &pf)
				assert.Equal(t, tc.reason, pf.Reason)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, s)
		})
	}
}

func TestReaderBounds(t *testing.T) {
	// Unbounded: more data may arrive.
	_, err := ReadPrefixedBytes(NewReader(unhex(t, "0004 6162")))
	assert.ErrorIs(t, err, ErrShortBuffer)

	// Bounded: the packet is complete so the length prefix is inconsistent.
	_, err = ReadPrefixedBytes(NewPacketReader(unhex(t, "0004 6162")))
	var pf *ParseFailure
	require.ErrorAs(t, err, &pf)
	assert.Contains(t, pf.Reason, "Truncated")

	r := NewPacketReader(unhex(t, "0002 6162 FF"))
	b, err := ReadPrefixedBytes(r)
	require.NoError(t, err)
	assert.Equal(t, []byte("ab"), b)
	assert.Equal(t, 1, r.Len())
}

func TestWriteString(t *testing.T) {
	b, err := WriteString("\uFEFFhi")
	require.NoError(t, err)
	assert.Equal(t, unhex(t, "0005 EFBBBF6869"), b)

	_, err = WriteString(strings.Repeat("x", 0x10000))
	assert.Error(t, err)

	b, err = WritePrefixedBytes(nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0}, b)
}

func TestDecoderTablesCoverRoles(t *testing.T) {
	for typ := TypeConnect; typ <= TypeDisconnect; typ++ {
		server := serverDecoders[typ] != nil
		client := clientDecoders[typ] != nil
		assert.True(t, server || client, "%s has no decoder", typ)
	}
	assert.Nil(t, serverDecoders[TypeReserved])
	assert.Nil(t, clientDecoders[TypeReserved15])
	assert.Nil(t, serverDecoders[TypeConnACK])
	assert.Nil(t, clientDecoders[TypeSubscribe])
}
