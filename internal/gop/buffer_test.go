// SPDX-License-Identifier: MIT

package gop

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func flvHeader() []byte {
	h := make([]byte, 9)
	copy(h, "FLV")
	h[3] = 1    // version
	h[4] = 0x05 // audio+video flags
	binary.BigEndian.PutUint32(h[5:9], 9)
	return h
}

func onMetadataTag() []byte {
	payload := []byte{0x02, 0x00, 0x0a}
	payload = append(payload, []byte("onMetadata")...)
	payload = append(payload, 0x00, 0x00, 0x09) // trailing ECMA array marker, irrelevant to parsing
	return buildTag(TagTypeScript, payload)
}

func videoTag(keyframe bool) []byte {
	frameType := byte(2)
	if keyframe {
		frameType = 1
	}
	payload := []byte{frameType<<4 | 0x07, 0x01, 0x02, 0x03}
	return buildTag(TagTypeVideo, payload)
}

func buildTag(tagType byte, payload []byte) []byte {
	tag := make([]byte, prevTagSizeLen+tagHeaderLen+len(payload))
	// previous tag size left as zero; the parser doesn't validate it.
	tag[prevTagSizeLen] = tagType
	size := len(payload)
	tag[prevTagSizeLen+1] = byte(size >> 16)
	tag[prevTagSizeLen+2] = byte(size >> 8)
	tag[prevTagSizeLen+3] = byte(size)
	copy(tag[prevTagSizeLen+tagHeaderLen:], payload)
	return tag
}

func TestBuffer_BootstrapEmptyBeforeHeader(t *testing.T) {
	b := New()
	require.Nil(t, b.Bootstrap())
	b.Ingest(flvHeader()[:5])
	require.Nil(t, b.Bootstrap(), "partial header must not close header_prefix")
}

func TestBuffer_HeaderAndMetadataClosePrefix(t *testing.T) {
	b := New()
	b.Ingest(flvHeader())
	require.Nil(t, b.Bootstrap(), "header alone without a script tag processed is not yet closed")
	b.Ingest(onMetadataTag())
	boot := b.Bootstrap()
	require.NotNil(t, boot)
	require.Equal(t, flvHeader(), boot[:9])
}

func TestBuffer_NoScriptTagClosesAtFirstVideoTag(t *testing.T) {
	b := New()
	b.Ingest(flvHeader())
	b.Ingest(videoTag(true))
	boot := b.Bootstrap()
	require.NotNil(t, boot)
	// header_prefix is exactly the 9 header bytes; the video tag became
	// the first GOP tag, not part of the header.
	require.Equal(t, flvHeader(), boot[:9])
	require.True(t, len(boot) > 9)
}

func TestBuffer_KeyframeRotatesGOPs(t *testing.T) {
	b := New()
	b.Ingest(flvHeader())
	b.Ingest(onMetadataTag())
	b.Ingest(videoTag(true))  // GOP 1 starts
	b.Ingest(videoTag(false)) // delta frame, still GOP 1
	firstBoot := b.Bootstrap()

	b.Ingest(videoTag(true)) // GOP 2 starts; GOP 1 becomes previous_gop
	secondBoot := b.Bootstrap()

	require.True(t, len(secondBoot) >= len(firstBoot))
}

func TestBuffer_ChunkSplitAcrossCalls(t *testing.T) {
	b := New()
	full := append(append([]byte{}, flvHeader()...), onMetadataTag()...)
	full = append(full, videoTag(true)...)

	for i := 0; i < len(full); i++ {
		b.Ingest(full[i : i+1])
	}

	boot := b.Bootstrap()
	require.NotNil(t, boot)
	require.Equal(t, flvHeader(), boot[:9])
}

func TestBuffer_MalformedThenResync(t *testing.T) {
	b := New()
	b.Ingest(flvHeader())
	b.Ingest(onMetadataTag())
	b.Ingest(videoTag(true))
	before := b.Bootstrap()

	// Garbage bytes: an invalid tag type the parser never expects.
	garbage := buildTag(TagTypeVideo, []byte{0x00})
	garbage[prevTagSizeLen] = 0x05 // not audio(8)/video(9)/script(18)
	b.Ingest(garbage)

	after := b.Bootstrap()
	require.Equal(t, before, after, "malformed input must not corrupt existing bootstrap state")

	// A fresh FLV header anywhere in a later chunk must resync cleanly.
	recovery := append([]byte{0x00, 0x00, 0x00}, flvHeader()...)
	recovery = append(recovery, onMetadataTag()...)
	recovery = append(recovery, videoTag(true)...)
	b.Ingest(recovery)

	recovered := b.Bootstrap()
	require.NotNil(t, recovered)
	require.Equal(t, flvHeader(), recovered[:9])
}

func TestBuffer_Reset(t *testing.T) {
	b := New()
	b.Ingest(flvHeader())
	b.Ingest(onMetadataTag())
	b.Ingest(videoTag(true))
	require.NotNil(t, b.Bootstrap())

	b.Reset()
	require.Nil(t, b.Bootstrap())
	require.Zero(t, b.BootstrapSize())
}

func TestBuffer_BootstrapSizeGrows(t *testing.T) {
	b := New()
	b.Ingest(flvHeader())
	b.Ingest(onMetadataTag())
	sizeAfterHeader := b.BootstrapSize()
	require.Greater(t, sizeAfterHeader, int64(0), "header_prefix already counts toward bootstrap size")
	b.Ingest(videoTag(true))
	require.Greater(t, b.BootstrapSize(), sizeAfterHeader)
}
