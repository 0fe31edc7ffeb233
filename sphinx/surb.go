// SPDX-FileCopyrightText: © 2024 Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package sphinx

import "io"

// NewSURB creates a new Single Use Reply Block with the provided path that
// delivers to recipient tagged with surbID.  It returns the serialized SURB
// to hand to the replier, and the decryption keys to retain locally.
func (s *Sphinx) NewSURB(r io.Reader, path []*PathHop, recipient *[NodeIDLength]byte, surbID *[SURBIDLength]byte) ([]byte, []byte, error) {
	if recipient == nil || surbID == nil {
		return nil, nil, errMissingRecipient
	}
	id := *surbID
	hdr, keys, err := createHeader(r, path, &RoutingCommand{ID: *recipient, SURBID: &id})
	if err != nil {
		return nil, nil, err
	}
	defer resetKeys(keys)

	payloadKey := make([]byte, SURBKeyLength)
	if _, err := io.ReadFull(r, payloadKey); err != nil {
		return nil, nil, err
	}

	surb := make([]byte, 0, SURBLength)
	surb = append(surb, hdr...)
	surb = append(surb, path[0].ID[:]...)
	surb = append(surb, payloadKey...)

	// The decryption keys are the hop keys in reverse order, followed by
	// the payload key.
	k := make([]byte, 0, (len(keys)+1)*SURBKeyLength)
	for i := len(keys) - 1; i >= 0; i-- {
		k = append(k, keys[i].sprpKey[:]...)
		k = append(k, keys[i].sprpIV[:]...)
	}
	k = append(k, payloadKey...)
	return surb, k, nil
}

// NewPacketFromSURB creates a new reply Sphinx packet with the provided
// SURB and payload, and returns the packet along with the first hop.
func (s *Sphinx) NewPacketFromSURB(surb, payload []byte) ([]byte, *[NodeIDLength]byte, error) {
	if len(surb) != SURBLength {
		return nil, nil, errInvalidSURB
	}
	if len(payload) > s.geometry.UserForwardPayloadLength {
		return nil, nil, errInvalidPayload
	}
	hdr := surb[:HeaderLength]
	firstHop := new([NodeIDLength]byte)
	copy(firstHop[:], surb[HeaderLength:HeaderLength+NodeIDLength])
	payloadKey := surb[HeaderLength+NodeIDLength:]

	body := make([]byte, s.geometry.ForwardPayloadLength)
	copy(body[PayloadTagLength:], payload)
	body = sprpEncrypt(payloadKey[:sprpKeyLength], payloadKey[sprpKeyLength:], body)

	pkt := make([]byte, 0, s.geometry.PacketLength)
	pkt = append(pkt, hdr...)
	return append(pkt, body...), firstHop, nil
}

// DecryptSURBPayload decrypts a delivered reply payload with the keys
// returned by NewSURB.
func DecryptSURBPayload(payload, keys []byte) ([]byte, error) {
	nrKeys := len(keys) / SURBKeyLength
	if len(keys)%SURBKeyLength != 0 || nrKeys < 2 || nrKeys > NrHops+1 {
		return nil, errInvalidSURBKeys
	}
	if len(payload) < AckPacket.ForwardPayloadLength() {
		return nil, errTruncatedPacket
	}

	b := payload
	for i := 0; i < nrKeys; i++ {
		k := keys[i*SURBKeyLength : (i+1)*SURBKeyLength]
		if i == nrKeys-1 {
			b = sprpDecrypt(k[:sprpKeyLength], k[sprpKeyLength:], b)
		} else {
			b = sprpEncrypt(k[:sprpKeyLength], k[sprpKeyLength:], b)
		}
	}
	if !isZero(b[:PayloadTagLength]) {
		return nil, errInvalidTag
	}
	return b[PayloadTagLength:], nil
}
