package session

import (
	"time"

	"github.com/pion/sdp/v3"
	"github.com/pkg/errors"
)

const sdpContentType = "application/sdp"

// audioAnswerBody строит SDP тело ответа на входящий invite:
// одна аудио m-линия (PCMU/PCMA + telephone-event), sendrecv, без видео.
// Фактические адреса и порты медиа подставляет медиа-слой движка,
// здесь фиксируются только ограничения.
func audioAnswerBody() ([]byte, error) {
	now := uint64(time.Now().Unix())

	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      now,
			SessionVersion: now,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: "0.0.0.0",
		},
		SessionName: "softphone_sdk",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: "0.0.0.0"},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}

	audio := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "audio",
			Port:    sdp.RangedPort{Value: 9},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{"0", "8", "101"},
		},
		Attributes: []sdp.Attribute{
			sdp.NewPropertyAttribute("sendrecv"),
			sdp.NewAttribute("rtpmap", "0 PCMU/8000"),
			sdp.NewAttribute("rtpmap", "8 PCMA/8000"),
			sdp.NewAttribute("rtpmap", "101 telephone-event/8000"),
			sdp.NewAttribute("fmtp", "101 0-16"),
		},
	}
	desc.MediaDescriptions = []*sdp.MediaDescription{audio}

	raw, err := desc.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "marshal audio answer sdp")
	}
	return raw, nil
}
