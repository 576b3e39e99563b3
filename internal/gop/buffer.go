// SPDX-License-Identifier: MIT

// Package gop implements the GOP Buffer (spec.md §4.3): it watches a raw
// FLV byte stream as it flows from the encoder and retains the minimum
// prefix a late-joining viewer needs to start decoding immediately —
// the FLV header plus onMetadata tag, the previous complete GOP, and the
// GOP in progress.
//
// Grounded on the bounded-buffer/keyframe-boundary shape of the nonchalant
// wsflv subscriber (other_examples), adapted from its bus/AttachSubscriber
// model to direct tag parsing since spec.md §4.3 requires bit-exact FLV
// framing the retrieval pack has no ready-made parser for.
package gop

import (
	"bytes"
	"encoding/binary"
	"sync"
)

// FLV tag types (spec.md §4.3).
const (
	TagTypeAudio  = 8
	TagTypeVideo  = 9
	TagTypeScript = 18
)

const (
	flvHeaderMinLen = 9
	tagHeaderLen    = 11 // type(1) + data size(3) + timestamp(3) + ts-ext(1) + streamID(3)
	prevTagSizeLen  = 4

	// maxTagPayload bounds a single tag's declared size. A real encoder
	// never emits a tag anywhere near this large; a declared size beyond
	// it is treated as malformed framing rather than an enormous tag.
	maxTagPayload = 32 * 1024 * 1024
)

// Buffer holds the parsed bootstrap state for one encoder run. The zero
// value is ready to use; call Reset between encoder restarts so a late
// joiner never sees bytes from a previous run's header prefix.
type Buffer struct {
	mu sync.Mutex

	// carry holds bytes already ingested but not yet resolved into a
	// complete header or tag.
	carry []byte

	headerSeen   bool
	headerClosed bool
	headerPrefix []byte

	haveKeyframe bool
	previousGOP  []byte
	currentGOP   []byte

	// resync is set once malformed framing is detected; ingest then
	// scans for the next FLV header magic instead of trying to resume
	// mid-tag, per spec.md §4.3's "resynchronization at a plausible tag
	// boundary" requirement.
	resync bool
}

// New returns an empty Buffer.
func New() *Buffer {
	return &Buffer{}
}

// Ingest appends chunk to the parse stream and advances as far as
// complete tags allow. It never blocks and never returns an error:
// malformed framing only suspends bootstrap-state updates (spec.md §4.3),
// it does not affect the raw byte stream the Forwarder broadcasts
// alongside this call.
func (b *Buffer) Ingest(chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.resync {
		chunk = b.findResyncPoint(chunk)
		if chunk == nil {
			return
		}
	}

	b.carry = append(b.carry, chunk...)

	for {
		if !b.headerSeen {
			if len(b.carry) < flvHeaderMinLen {
				return
			}
			if !bytes.Equal(b.carry[0:3], []byte("FLV")) {
				b.enterResync()
				return
			}
			dataOffset := int(binary.BigEndian.Uint32(b.carry[5:9]))
			if dataOffset < flvHeaderMinLen {
				dataOffset = flvHeaderMinLen
			}
			if len(b.carry) < dataOffset {
				return // wait for the rest of the declared header
			}
			b.headerPrefix = append(b.headerPrefix, b.carry[:dataOffset]...)
			b.carry = b.carry[dataOffset:]
			b.headerSeen = true
			continue
		}

		if len(b.carry) < prevTagSizeLen+tagHeaderLen {
			return
		}

		tagType := b.carry[prevTagSizeLen]
		dataSize := uint32(b.carry[prevTagSizeLen+1])<<16 |
			uint32(b.carry[prevTagSizeLen+2])<<8 |
			uint32(b.carry[prevTagSizeLen+3])

		if !validTagType(tagType) || dataSize > maxTagPayload {
			b.enterResync()
			return
		}

		tagTotal := prevTagSizeLen + tagHeaderLen + int(dataSize)
		if len(b.carry) < tagTotal {
			return // wait for the full tag body
		}

		tag := b.carry[:tagTotal]
		payload := tag[prevTagSizeLen+tagHeaderLen:]
		b.consumeTag(tagType, payload, tag)
		b.carry = b.carry[tagTotal:]
	}
}

// consumeTag folds one fully-buffered tag into header_prefix or the
// current/previous GOP, per the ownership rules in spec.md §3/§4.3.
func (b *Buffer) consumeTag(tagType byte, payload, tag []byte) {
	if !b.headerClosed {
		if tagType == TagTypeScript {
			b.headerPrefix = append(b.headerPrefix, tag...)
			if isOnMetadata(payload) {
				b.headerClosed = true
			}
			return
		}
		// No onMetadata script tag before the first audio/video tag:
		// the header prefix ends right here, and this tag is the first
		// one processed as ordinary stream content.
		b.headerClosed = true
	}

	switch tagType {
	case TagTypeVideo:
		if len(payload) == 0 {
			return
		}
		frameType := (payload[0] >> 4) & 0x0F
		if frameType == 1 {
			b.previousGOP = b.currentGOP
			b.currentGOP = append([]byte(nil), tag...)
			b.haveKeyframe = true
			return
		}
		if b.haveKeyframe {
			b.currentGOP = append(b.currentGOP, tag...)
		}
	default:
		// Audio or a script tag arriving after the header has closed:
		// keep it with the in-progress GOP so it replays alongside the
		// video it was interleaved with.
		if b.haveKeyframe {
			b.currentGOP = append(b.currentGOP, tag...)
		}
	}
}

// Bootstrap returns header_prefix ++ previous_gop ++ current_gop, or nil
// if the FLV header has not yet been observed for the current encoder
// run (spec.md §4.3).
func (b *Buffer) Bootstrap() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.headerClosed {
		return nil
	}

	out := make([]byte, 0, len(b.headerPrefix)+len(b.previousGOP)+len(b.currentGOP))
	out = append(out, b.headerPrefix...)
	out = append(out, b.previousGOP...)
	out = append(out, b.currentGOP...)
	return out
}

// BootstrapSize reports the current bootstrap payload size, for
// observability (internal/health's /metrics GOP bootstrap gauge).
func (b *Buffer) BootstrapSize() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.headerPrefix) + len(b.previousGOP) + len(b.currentGOP))
}

// Reset discards all parser state. Called on encoder restart so stale
// header/GOP bytes from a previous run are never handed to a new viewer.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.carry = nil
	b.headerSeen = false
	b.headerClosed = false
	b.headerPrefix = nil
	b.haveKeyframe = false
	b.previousGOP = nil
	b.currentGOP = nil
	b.resync = false
}

func (b *Buffer) enterResync() {
	b.resync = true
	b.carry = nil
}

// findResyncPoint scans chunk for the FLV header magic and, if found,
// resets all parse state and returns the bytes starting at that magic.
// Returns nil if no magic is present in this chunk (the caller simply
// drops these bytes from bootstrap-state consideration; raw forwarding
// to viewers is unaffected since that happens outside this buffer).
func (b *Buffer) findResyncPoint(chunk []byte) []byte {
	idx := bytes.Index(chunk, []byte("FLV"))
	if idx < 0 {
		return nil
	}
	b.resync = false
	b.headerSeen = false
	b.headerClosed = false
	b.headerPrefix = nil
	b.haveKeyframe = false
	b.previousGOP = nil
	b.currentGOP = nil
	return chunk[idx:]
}

func validTagType(t byte) bool {
	return t == TagTypeAudio || t == TagTypeVideo || t == TagTypeScript
}

// isOnMetadata reports whether an FLV script-tag payload is an AMF0
// string carrying "onMetadata" as its first value.
func isOnMetadata(payload []byte) bool {
	const want = "onMetadata"
	if len(payload) < 3+len(want) {
		return false
	}
	if payload[0] != 0x02 { // AMF0 string marker
		return false
	}
	strLen := int(payload[1])<<8 | int(payload[2])
	if strLen != len(want) {
		return false
	}
	return string(payload[3:3+strLen]) == want
}
