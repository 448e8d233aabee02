package audio

import (
	"bytes"
	"encoding/binary"
)

const (
	numChannels   = 1
	bitsPerSample = 16
	pcmFormat     = 1
)

// StreamHeader builds a WAV header for a live stream. The total length is
// unknown at emission time, so the RIFF and data sizes are set to their
// streaming sentinels and players treat the stream as unbounded.
func StreamHeader(sampleRate int) []byte {
	if sampleRate <= 0 {
		sampleRate = 24000
	}

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(0x7FFFFFFF-36))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(pcmFormat))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(numChannels))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*numChannels*bitsPerSample/8))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(numChannels*bitsPerSample/8))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))

	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(0xFFFFFFFF))
	return buf.Bytes()
}

// HeaderSize is the byte length of the header emitted by StreamHeader.
const HeaderSize = 44

// EncodeWAVPCM16LE wraps complete PCM16LE mono audio in a finalized WAV
// container, for callers that persist a received stream to disk.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) []byte {
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	dataSize := uint32(len(pcm))

	var buf bytes.Buffer
	buf.Grow(HeaderSize + len(pcm))
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36)+dataSize)
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(pcmFormat))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(numChannels))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*numChannels*bitsPerSample/8))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(numChannels*bitsPerSample/8))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))

	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, dataSize)
	buf.Write(pcm)
	return buf.Bytes()
}
