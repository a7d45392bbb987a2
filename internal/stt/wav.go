package stt

import (
	"encoding/binary"
	"fmt"
	"math"
)

// wavInfo holds the measurements the empty-audio pre-filter needs.
type wavInfo struct {
	Duration float64 // seconds
	RMS      float64 // normalised 0..1
}

// analyzeWAV walks the RIFF chunks of a PCM WAV file and computes the
// duration and normalised RMS amplitude of its data chunk. Only 16-bit
// PCM is measured for RMS; other sample widths report duration only.
func analyzeWAV(data []byte) (*wavInfo, error) {
	if len(data) < 44 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, fmt.Errorf("not a RIFF/WAVE file")
	}

	var (
		channels      uint16
		sampleRate    uint32
		bitsPerSample uint16
		pcm           []byte
	)

	offset := 12
	for offset+8 <= len(data) {
		chunkID := string(data[offset : offset+4])
		chunkLen := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8
		if body+chunkLen > len(data) {
			chunkLen = len(data) - body
		}
		switch chunkID {
		case "fmt ":
			if chunkLen >= 16 {
				channels = binary.LittleEndian.Uint16(data[body+2 : body+4])
				sampleRate = binary.LittleEndian.Uint32(data[body+4 : body+8])
				bitsPerSample = binary.LittleEndian.Uint16(data[body+14 : body+16])
			}
		case "data":
			pcm = data[body : body+chunkLen]
		}
		// Chunks are word-aligned.
		offset = body + chunkLen + chunkLen%2
	}

	if channels == 0 || sampleRate == 0 || bitsPerSample == 0 {
		return nil, fmt.Errorf("missing fmt chunk")
	}

	info := &wavInfo{}
	bytesPerSecond := float64(sampleRate) * float64(channels) * float64(bitsPerSample/8)
	if bytesPerSecond > 0 {
		info.Duration = float64(len(pcm)) / bytesPerSecond
	}

	if bitsPerSample == 16 && len(pcm) >= 2 {
		var sum float64
		n := len(pcm) / 2
		for i := 0; i < n; i++ {
			s := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
			f := float64(s)
			sum += f * f
		}
		info.RMS = math.Sqrt(sum/float64(n)) / 32768.0
	}

	return info, nil
}

// IsEmptyAudio reports whether a recording is too small or too quiet to
// be worth sending to the transcription service. Unparseable audio is
// treated as empty rather than forwarded.
func IsEmptyAudio(data []byte) bool {
	if len(data) < 800 {
		return true
	}
	info, err := analyzeWAV(data)
	if err != nil {
		return true
	}
	return info.Duration < 0.1 || info.RMS < 0.001
}
