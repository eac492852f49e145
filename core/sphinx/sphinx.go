// sphinx.go - Sphinx Packet Format.
// Copyright (C) 2025  Stillpost Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package sphinx implements the Stillpost parameterized Sphinx Packet Format.
package sphinx

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"github.com/stillpost/stillpost/core/crypto/ecdh"
	"github.com/stillpost/stillpost/core/crypto/rand"
	"github.com/stillpost/stillpost/core/sphinx/commands"
	"github.com/stillpost/stillpost/core/sphinx/geo"
	"github.com/stillpost/stillpost/core/sphinx/internal/crypto"
	"github.com/stillpost/stillpost/core/utils"
)

var (
	v0AD = [2]byte{0x00, 0x00}

	errTruncatedPayload = errors.New("sphinx: truncated payload")
	errInvalidTag       = errors.New("sphinx: payload auth failed")

	defaultSphinx *Sphinx
)

// DefaultSphinx returns an instance of the default sphinx packet factory.
func DefaultSphinx() *Sphinx {
	return defaultSphinx
}

// DefaultGeometry returns the default X25519 Sphinx geometry, a 5 hop
// packet with a 2 KiB forward payload.
func DefaultGeometry() *geo.Geometry {
	return geo.GeometryFromForwardPayloadLength(2*1024, 5)
}

// Sphinx is an instance of the X25519 Sphinx packet factory, parameterized
// by a geometry.
type Sphinx struct {
	geometry *geo.Geometry
}

// NewSphinx creates a new instance of Sphinx.
func NewSphinx(geometry *geo.Geometry) *Sphinx {
	return &Sphinx{
		geometry: geometry,
	}
}

// Geometry returns the Sphinx packet geometry.
func (s *Sphinx) Geometry() *geo.Geometry {
	return s.geometry
}

// PathHop describes a hop that a Sphinx Packet will traverse, along with
// all of the per-hop Commands (excluding NextNodeHop).
type PathHop struct {
	ID        [geo.NodeIDLength]byte
	PublicKey *ecdh.PublicKey
	Commands  []commands.RoutingCommand
}

type sprpKey struct {
	key [crypto.SPRPKeyLength]byte
	iv  [crypto.SPRPIVLength]byte
}

func (k *sprpKey) Reset() {
	utils.ExplicitBzero(k.key[:])
	utils.ExplicitBzero(k.iv[:])
}

// commandsToBytes serializes a hop's commands into the start of a per-hop
// routing info fragment.  A non-terminal fragment must leave room for the
// NextNodeHop command that createHeader prepends later.
func (s *Sphinx) commandsToBytes(cmds []commands.RoutingCommand, isTerminal bool) ([]byte, error) {
	b := make([]byte, 0, s.geometry.PerHopRoutingInfoLength)
	for _, v := range cmds {
		if _, isNextNodeHop := v.(*commands.NextNodeHop); isNextNodeHop {
			// Callers never supply NextNodeHop, header creation does.
			return nil, errors.New("sphinx: invalid commands, NextNodeHop")
		}
		b = v.ToBytes(b)
	}
	if len(b) > s.geometry.PerHopRoutingInfoLength {
		return nil, errors.New("sphinx: invalid commands, oversized serialized block")
	}
	if !isTerminal && cap(b)-len(b) < s.geometry.NextNodeHopLength {
		return nil, errors.New("sphinx: invalid commands, insufficient remaining capacity")
	}

	return b, nil
}

func (s *Sphinx) createHeader(r io.Reader, path []*PathHop) ([]byte, []*sprpKey, error) {
	hops := len(path)
	if hops > s.geometry.NrHops {
		return nil, nil, errors.New("sphinx: invalid path")
	}

	// Generate the ephemeral keypair, and derive each hop's packet keys
	// along with the blinded group element the hop will see.
	ephKeypair, err := ecdh.NewKeypair(r)
	if err != nil {
		return nil, nil, err
	}
	defer ephKeypair.Reset()
	ephPublic := ephKeypair.PublicKey()

	var sharedSecret [ecdh.GroupElementLength]byte
	defer utils.ExplicitBzero(sharedSecret[:])

	hopElements := make([]*ecdh.PublicKey, s.geometry.NrHops)
	hopKeys := make([]*crypto.PacketKeys, s.geometry.NrHops)

	ephKeypair.Exp(&sharedSecret, path[0].PublicKey)
	hopKeys[0] = crypto.KDF(&sharedSecret)
	defer hopKeys[0].Reset()

	hopElements[0] = new(ecdh.PublicKey)
	if err = hopElements[0].FromBytes(ephPublic.Bytes()); err != nil {
		// The freshly generated public key is always well formed.
		panic(err)
	}

	for i := 1; i < hops; i++ {
		// Hop i sees the element blinded by every prior hop, so its
		// shared secret needs the same chain of blinding factors.
		ephKeypair.Exp(&sharedSecret, path[i].PublicKey)
		for j := 0; j < i; j++ {
			ecdh.Exp(&sharedSecret, &sharedSecret, &hopKeys[j].BlindingFactor)
		}
		hopKeys[i] = crypto.KDF(&sharedSecret)
		defer hopKeys[i].Reset()

		ephPublic.Blind(&hopKeys[i-1].BlindingFactor)
		hopElements[i] = new(ecdh.PublicKey)
		if err = hopElements[i].FromBytes(ephPublic.Bytes()); err != nil {
			panic(err)
		}
	}

	// Expand one keystream per hop.  The head encrypts that hop's view of
	// the routing info block, the tail is the padding the hop's decryption
	// regenerates, which later hops must account for in their MACs.
	riStreams := make([][]byte, s.geometry.NrHops)
	riPadding := make([][]byte, s.geometry.NrHops)

	for i := 0; i < hops; i++ {
		ks := make([]byte, s.geometry.RoutingInfoLength+s.geometry.PerHopRoutingInfoLength)
		defer utils.ExplicitBzero(ks)

		stream := crypto.NewStream(&hopKeys[i].HeaderEncryption, &hopKeys[i].HeaderEncryptionIV)
		stream.KeyStream(ks)
		stream.Reset()

		split := len(ks) - (i+1)*s.geometry.PerHopRoutingInfoLength
		riStreams[i] = ks[:split]
		riPadding[i] = ks[split:]
		if i > 0 {
			// Accumulate the prior hops' padding into this hop's view.
			n := len(riPadding[i-1])
			xorBytes(riPadding[i][:n], riPadding[i][:n], riPadding[i-1])
		}
	}

	// Build the routing info block back to front, layering on each hop's
	// stream cipher and computing the header MAC the previous hop embeds
	// in its NextNodeHop command.
	var mac []byte
	var ri []byte
	if skipped := s.geometry.NrHops - hops; skipped > 0 {
		// Short paths still produce full length headers.  The unused hop
		// slots are filled with random bytes.
		ri = make([]byte, skipped*s.geometry.PerHopRoutingInfoLength)
		if _, err := io.ReadFull(rand.Reader, ri); err != nil {
			return nil, nil, err
		}
	}
	zeroPad := make([]byte, s.geometry.PerHopRoutingInfoLength)
	for i := hops - 1; i >= 0; i-- {
		isTerminal := i == hops-1

		frag, err := s.commandsToBytes(path[i].Commands, isTerminal)
		if err != nil {
			return nil, nil, err
		}
		if !isTerminal {
			nextCmd := &commands.NextNodeHop{}
			copy(nextCmd.ID[:], path[i+1].ID[:])
			copy(nextCmd.MAC[:], mac)
			frag = nextCmd.ToBytes(frag)
		}
		if padLen := s.geometry.PerHopRoutingInfoLength - len(frag); padLen > 0 {
			frag = append(frag, zeroPad[:padLen]...)
		}

		ri = append(frag, ri...)
		xorBytes(ri, ri, riStreams[i])

		m := crypto.NewMAC(&hopKeys[i].HeaderMAC)
		defer m.Reset()
		m.Write(v0AD[:])
		m.Write(hopElements[i].Bytes())
		m.Write(ri)
		if i > 0 {
			// The MAC covers the padding the receiving hop will have
			// regenerated by the time it verifies the header.
			m.Write(riPadding[i-1])
		}
		mac = m.Sum(nil)
	}

	// Serialize the header, and copy out the payload SPRP key for each hop.
	hdr := make([]byte, 0, s.geometry.HeaderLength)
	hdr = append(hdr, v0AD[:]...)
	hdr = append(hdr, hopElements[0].Bytes()...)
	hdr = append(hdr, ri...)
	hdr = append(hdr, mac...)

	payloadKeys := make([]*sprpKey, 0, hops)
	for i := 0; i < hops; i++ {
		// Sharing the header encryption IV with the SPRP is fine, the
		// two primitives never see the same key.
		k := new(sprpKey)
		copy(k.key[:], hopKeys[i].PayloadEncryption[:])
		copy(k.iv[:], hopKeys[i].HeaderEncryptionIV[:])
		payloadKeys = append(payloadKeys, k)
	}

	return hdr, payloadKeys, nil
}

// NewPacket creates a forward Sphinx packet with the provided path and
// payload, using the provided entropy source.
func (s *Sphinx) NewPacket(r io.Reader, path []*PathHop, payload []byte) ([]byte, error) {
	if len(payload) != s.geometry.ForwardPayloadLength {
		return nil, fmt.Errorf("invalid payload length: %d, expected %d", len(payload), s.geometry.ForwardPayloadLength)
	}

	hdr, payloadKeys, err := s.createHeader(r, path)
	if err != nil {
		return nil, err
	}
	for _, k := range payloadKeys {
		defer k.Reset()
	}

	// Lay out header, zero payload tag, then plaintext.
	pkt := make([]byte, 0, len(hdr)+s.geometry.PayloadTagLength+len(payload))
	pkt = append(pkt, hdr...)
	pkt = append(pkt, make([]byte, s.geometry.PayloadTagLength)...)
	pkt = append(pkt, payload...)

	// Wrap the tagged payload in one SPRP layer per hop, innermost first.
	b := pkt[len(hdr):]
	for i := len(path) - 1; i >= 0; i-- {
		k := payloadKeys[i]
		b = crypto.SPRPEncrypt(&k.key, &k.iv, b)
	}
	copy(pkt[len(hdr):], b)

	return pkt, nil
}

// parseHopCommands walks a decrypted per-hop routing info fragment,
// collecting the commands and pulling out the ones Unwrap dispatches on.
// The fragment must be terminated by a null command with an all zero tail.
func parseHopCommands(cmdBuf []byte, g *geo.Geometry) ([]commands.RoutingCommand, *commands.NextNodeHop, *commands.SURBReply, error) {
	var nextNode *commands.NextNodeHop
	var surbReply *commands.SURBReply

	cmds := make([]commands.RoutingCommand, 0, 2)
	for {
		cmd, rest, err := commands.FromBytes(cmdBuf, g)
		if err != nil {
			return nil, nil, nil, err
		}
		if cmd == nil {
			if rest != nil {
				return nil, nil, nil, errors.New("sphinx: BUG: null cmd had rest")
			}
			return cmds, nextNode, surbReply, nil
		}

		switch c := cmd.(type) {
		case *commands.NextNodeHop:
			if nextNode != nil {
				return nil, nil, nil, errors.New("sphinx: invalid packet, > 1 next_node")
			}
			nextNode = c
		case *commands.SURBReply:
			if surbReply != nil {
				return nil, nil, nil, errors.New("sphinx: invalid packet, > 1 surb_reply")
			}
			surbReply = c
		default:
		}

		cmds = append(cmds, cmd)
		cmdBuf = rest
	}
}

// Unwrap unwraps the provided Sphinx packet pkt in-place, using the provided
// X25519 private key, and returns the payload (if applicable), replay tag,
// and routing info command vector.
func (s *Sphinx) Unwrap(privKey *ecdh.PrivateKey, pkt []byte) ([]byte, []byte, []commands.RoutingCommand, error) {
	geOff := len(v0AD)
	riOff := geOff + ecdh.PublicKeySize
	macOff := riOff + s.geometry.RoutingInfoLength
	payloadOff := macOff + crypto.MACLength

	// Reject anything that cannot possibly hold a header, and anything
	// from a different packet format version.
	if len(pkt) < s.geometry.HeaderLength {
		return nil, nil, nil, errors.New("sphinx: invalid packet, truncated")
	}
	if subtle.ConstantTimeCompare(v0AD[:], pkt[:geOff]) != 1 {
		return nil, nil, nil, errors.New("sphinx: invalid packet, unknown version")
	}

	// Recover the shared secret from the group element.  Its hash doubles
	// as the replay tag, valid even when unwrapping fails later on.
	var sharedSecret [ecdh.GroupElementLength]byte
	defer utils.ExplicitBzero(sharedSecret[:])

	groupElement := new(ecdh.PublicKey)
	if err := groupElement.FromBytes(pkt[geOff:riOff]); err != nil {
		return nil, nil, nil, fmt.Errorf("sphinx: failed to unmarshal group element: %s", err)
	}
	privKey.Exp(&sharedSecret, groupElement)

	replayTag := crypto.Hash(groupElement.Bytes())

	keys := crypto.KDF(&sharedSecret)
	defer keys.Reset()

	// Authenticate the header before touching anything else.
	m := crypto.NewMAC(&keys.HeaderMAC)
	defer m.Reset()
	m.Write(pkt[0:macOff])
	mac := m.Sum(nil)

	if subtle.ConstantTimeCompare(pkt[macOff:macOff+crypto.MACLength], mac) != 1 {
		return nil, replayTag[:], nil, errors.New("sphinx: invalid packet, MAC mismatch")
	}

	// Decrypt the routing info block extended with a hop's worth of zero
	// padding, so the shifted-down block that gets forwarded stays at full
	// length.  The leading fragment belongs to this hop.
	b := make([]byte, s.geometry.RoutingInfoLength+s.geometry.PerHopRoutingInfoLength)
	copy(b[:s.geometry.RoutingInfoLength], pkt[riOff:riOff+s.geometry.RoutingInfoLength])
	stream := crypto.NewStream(&keys.HeaderEncryption, &keys.HeaderEncryptionIV)
	defer stream.Reset()
	stream.XORKeyStream(b[:], b[:])

	cmdBuf := b[:s.geometry.PerHopRoutingInfoLength]
	newRoutingInfo := b[s.geometry.PerHopRoutingInfoLength:]

	cmds, nextNode, surbReply, err := parseHopCommands(cmdBuf, s.geometry)
	if err != nil {
		return nil, replayTag[:], nil, err
	}

	// Peel this hop's SPRP layer off the payload.
	payload := pkt[payloadOff:]
	if len(payload) > 0 {
		payload = crypto.SPRPDecrypt(&keys.PayloadEncryption, &keys.HeaderEncryptionIV, payload)
	}

	if nextNode != nil {
		// Relay hop.  Rewrite the packet in place for the next node and
		// withhold the payload from the caller.
		groupElement.Blind(&keys.BlindingFactor)
		copy(pkt[geOff:riOff], groupElement.Bytes()[:])
		copy(pkt[riOff:macOff], newRoutingInfo)
		copy(pkt[macOff:payloadOff], nextNode.MAC[:])
		if len(payload) > 0 {
			copy(pkt[payloadOff:], payload)
		}
		payload = nil
	} else {
		if len(payload) < s.geometry.PayloadTagLength {
			return nil, replayTag[:], nil, errTruncatedPayload
		}
		// Terminal hop.  A SURB reply's payload stays opaque to the node,
		// only a plain forward payload carries the zero tag to verify.
		if surbReply == nil {
			if !utils.CtIsZero(payload[:s.geometry.PayloadTagLength]) {
				return nil, replayTag[:], nil, errInvalidTag
			}
			payload = payload[s.geometry.PayloadTagLength:]
		}
	}

	return payload, replayTag[:], cmds, nil
}

func xorBytes(dst, a, b []byte) {
	if len(a) != len(b) || len(a) != len(dst) {
		panic(fmt.Sprintf("sphinx: BUG: xorBytes buffer length mismatch: %d, %d, %d", len(dst), len(a), len(b)))
	}

	for i, v := range a {
		dst[i] = v ^ b[i]
	}
}

func init() {
	defaultSphinx = NewSphinx(DefaultGeometry())
}
