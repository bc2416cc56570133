package voice

import (
	"bytes"
	"encoding/binary"
	"math"
)

// RMS computes the root-mean-square amplitude of a 16-bit
// little-endian mono PCM frame. An odd trailing byte is ignored.
func RMS(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}

	var sum float64
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(frame[i*2:]))
		sum += float64(sample) * float64(sample)
	}
	return math.Sqrt(sum / float64(n))
}

// SilenceDetector counts consecutive low-energy frames and reports
// when the configured run length is reached.
type SilenceDetector struct {
	threshold float64
	limit     int
	run       int
}

// NewSilenceDetector builds a detector that trips after limit
// consecutive frames whose RMS amplitude stays below threshold.
func NewSilenceDetector(threshold float64, limit int) *SilenceDetector {
	return &SilenceDetector{threshold: threshold, limit: limit}
}

// Observe feeds one frame and reports whether the silence run just
// reached the limit. Any loud frame resets the run.
func (d *SilenceDetector) Observe(frame []byte) bool {
	if RMS(frame) >= d.threshold {
		d.run = 0
		return false
	}
	d.run++
	return d.run >= d.limit
}

// Reset clears the current silence run.
func (d *SilenceDetector) Reset() {
	d.run = 0
}

// EncodeWAV wraps raw 16-bit little-endian mono PCM in a RIFF/WAVE
// container so the clip can be played back directly.
func EncodeWAV(pcm []byte, sampleRate int) []byte {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	buf := bytes.NewBuffer(make([]byte, 0, 44+len(pcm)))
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}
