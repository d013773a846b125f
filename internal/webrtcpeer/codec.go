package webrtcpeer

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

var (
	ErrNoVideo          = errors.New("offer has no video section")
	ErrNoSupportedCodec = errors.New("offer has no supported video codec")
)

var echoMimeTypes = map[string]string{
	"vp8":  webrtc.MimeTypeVP8,
	"vp9":  webrtc.MimeTypeVP9,
	"h264": webrtc.MimeTypeH264,
	"av1":  webrtc.MimeTypeAV1,
}

// EchoCodec picks the codec for the track that echoes a client's video back
// to it: the first video format in the offer's preference order that the
// media engine can send.
//
// The echo track has to exist before the answer is created, which is before
// any inbound RTP tells us the negotiated codec.
func EchoCodec(offerSDP string) (webrtc.RTPCodecCapability, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(offerSDP)); err != nil {
		return webrtc.RTPCodecCapability{}, fmt.Errorf("parse offer: %w", err)
	}

	sawVideo := false
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media != "video" {
			continue
		}
		if md.MediaName.Port.Value == 0 {
			// Rejected or stopped section.
			continue
		}
		sawVideo = true
		for _, format := range md.MediaName.Formats {
			pt, err := strconv.ParseUint(format, 10, 8)
			if err != nil {
				continue
			}
			codec, err := sd.GetCodecForPayloadType(uint8(pt))
			if err != nil {
				continue
			}
			mime, ok := echoMimeTypes[strings.ToLower(codec.Name)]
			if !ok {
				continue
			}
			return webrtc.RTPCodecCapability{
				MimeType:    mime,
				ClockRate:   codec.ClockRate,
				SDPFmtpLine: codec.Fmtp,
			}, nil
		}
	}
	if !sawVideo {
		return webrtc.RTPCodecCapability{}, ErrNoVideo
	}
	return webrtc.RTPCodecCapability{}, ErrNoSupportedCodec
}
