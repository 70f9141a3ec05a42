// Package bitstream inspects elementary streams for the decoders. It reads
// picture sizes out of H.264/HEVC parameter sets and unwraps ADTS-framed AAC
// into raw access units with a matching AudioSpecificConfig.
package bitstream

import (
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"

	"github.com/zsiec/vcam/media"
)

// ProbeSize decodes the first SPS found in Annex-B data and returns the
// coded picture size.
func ProbeSize(mime string, annexB []byte) (int, int, bool) {
	var nalus h264.AnnexB
	if err := nalus.Unmarshal(annexB); err != nil {
		return 0, 0, false
	}
	for _, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}
		switch mime {
		case media.MimeH264:
			if h264.NALUType(nalu[0]&0x1f) != h264.NALUTypeSPS {
				continue
			}
			var sps h264.SPS
			if err := sps.Unmarshal(nalu); err != nil {
				return 0, 0, false
			}
			return sps.Width(), sps.Height(), true
		case media.MimeHEVC:
			if h265.NALUType((nalu[0]>>1)&0x3f) != h265.NALUType_SPS_NUT {
				continue
			}
			var sps h265.SPS
			if err := sps.Unmarshal(nalu); err != nil {
				return 0, 0, false
			}
			return sps.Width(), sps.Height(), true
		}
	}
	return 0, 0, false
}
