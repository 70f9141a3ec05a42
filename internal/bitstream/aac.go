package bitstream

import (
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
)

// AudioConfig is the decoded AAC configuration of a track.
type AudioConfig struct {
	ASC        []byte
	SampleRate int
	Channels   int
}

// ParseASC decodes an AudioSpecificConfig.
func ParseASC(asc []byte) (AudioConfig, error) {
	var conf mpeg4audio.AudioSpecificConfig
	if err := conf.Unmarshal(asc); err != nil {
		return AudioConfig{}, fmt.Errorf("bitstream: audio specific config: %w", err)
	}
	return AudioConfig{ASC: asc, SampleRate: conf.SampleRate, Channels: conf.ChannelCount}, nil
}

// SynthesizeASC builds an AAC-LC AudioSpecificConfig for streams that carry
// no out-of-band configuration.
func SynthesizeASC(sampleRate, channels int) (AudioConfig, error) {
	conf := mpeg4audio.AudioSpecificConfig{
		Type:         mpeg4audio.ObjectTypeAACLC,
		SampleRate:   sampleRate,
		ChannelCount: channels,
	}
	asc, err := conf.Marshal()
	if err != nil {
		return AudioConfig{}, fmt.Errorf("bitstream: audio specific config: %w", err)
	}
	return AudioConfig{ASC: asc, SampleRate: sampleRate, Channels: channels}, nil
}

// AUOffset returns how far, in microseconds, the i-th access unit of a
// packet is presented after the packet's timestamp.
func AUOffset(i, sampleRate int) int64 {
	if sampleRate <= 0 {
		return 0
	}
	return int64(i) * mpeg4audio.SamplesPerAccessUnit * 1_000_000 / int64(sampleRate)
}

// IsADTS reports whether buf starts with an ADTS sync word.
func IsADTS(buf []byte) bool {
	return len(buf) >= 2 && buf[0] == 0xff && buf[1]&0xf6 == 0xf0
}

// UnwrapADTS strips ADTS headers from buf, returning the concatenated raw
// access units and the configuration of the first frame.
func UnwrapADTS(buf []byte) ([][]byte, AudioConfig, error) {
	var pkts mpeg4audio.ADTSPackets
	if err := pkts.Unmarshal(buf); err != nil {
		return nil, AudioConfig{}, fmt.Errorf("bitstream: adts: %w", err)
	}
	if len(pkts) == 0 {
		return nil, AudioConfig{}, fmt.Errorf("bitstream: adts: no frames")
	}
	aus := make([][]byte, len(pkts))
	for i, p := range pkts {
		aus[i] = p.AU
	}
	first := pkts[0]
	cfg, err := SynthesizeASC(first.SampleRate, first.ChannelCount)
	if err != nil {
		return nil, AudioConfig{}, err
	}
	return aus, cfg, nil
}
