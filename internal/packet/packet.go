// Package packet encodes and decodes the E1.31 (sACN) wire formats: data,
// synchronization and universe discovery packets.
package packet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	// Port is the UDP port every sACN packet is sent to.
	Port = 5568
	// DiscoveryUniverse is the universe whose multicast group carries discovery packets.
	DiscoveryUniverse uint16 = 64214

	MinUniverse     uint16 = 1
	MaxUniverse     uint16 = 63999
	MaxPriority     uint8  = 200
	DefaultPriority uint8  = 100

	// Channels is the size of every DMX buffer carried by a DataPacket.
	Channels = 512
	// MaxSourceName is the longest source name in bytes; the 64th byte is the terminator.
	MaxSourceName = 63
)

// Vectors of the root, framing, DMP and discovery layers.
const (
	VectorRootE131Data     uint32 = 0x00000004
	VectorRootE131Extended uint32 = 0x00000008

	VectorE131DataPacket              uint32 = 0x00000002
	VectorE131ExtendedSynchronization uint32 = 0x00000001
	VectorE131ExtendedDiscovery       uint32 = 0x00000002

	VectorDMPSetProperty                byte   = 0x02
	VectorUniverseDiscoveryUniverseList uint32 = 0x00000001
)

// StartCodeDMX is the start code of null-start-code (level) data.
const StartCodeDMX byte = 0x00

const (
	preambleSize  uint16 = 0x0010
	postambleSize uint16 = 0x0000

	dmpAddressType   byte   = 0xa1
	dmpFirstAddress  uint16 = 0x0000
	dmpAddrIncrement uint16 = 0x0001

	flagsNibble uint16 = 0x7000

	// rootLayerLen covers preamble, identifier, flags/length, vector and CID.
	rootLayerLen = 38
	// framingHeaderLen is the root layer plus the framing flags/length and vector.
	framingHeaderLen = 44
)

var acnPacketIdentifier = [12]byte{0x41, 0x53, 0x43, 0x2d, 0x45, 0x31, 0x2e, 0x31, 0x37, 0x00, 0x00, 0x00}

// CID is the component identifier of a sending station.
type CID [16]byte

// NewCID returns a random CID.
func NewCID() CID {
	return CID(uuid.New())
}

// ParseCID parses the canonical UUID text form of a CID.
func ParseCID(s string) (CID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return CID{}, fmt.Errorf("packet: invalid cid %q: %w", s, err)
	}
	return CID(u), nil
}

func (c CID) String() string {
	return uuid.UUID(c).String()
}

// Kind identifies one of the three packet formats.
type Kind int

const (
	KindData Kind = iota
	KindSync
	KindDiscovery
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindSync:
		return "sync"
	case KindDiscovery:
		return "discovery"
	default:
		return "unknown"
	}
}

// Packet is any decoded sACN packet.
type Packet interface {
	Kind() Kind
	CID() CID
	Bytes() []byte
}

// Parse decodes b as whichever packet kind its root and framing vectors announce.
func Parse(b []byte) (Packet, error) {
	if len(b) < framingHeaderLen {
		return nil, decodeError(0, ErrTooShort)
	}
	if err := checkPreamble(b); err != nil {
		return nil, err
	}
	switch binary.BigEndian.Uint32(b[18:22]) {
	case VectorRootE131Data:
		p, err := ParseDataPacket(b)
		if err != nil {
			return nil, err
		}
		return p, nil
	case VectorRootE131Extended:
		switch binary.BigEndian.Uint32(b[40:44]) {
		case VectorE131ExtendedSynchronization:
			p, err := ParseSyncPacket(b)
			if err != nil {
				return nil, err
			}
			return p, nil
		case VectorE131ExtendedDiscovery:
			p, err := ParseUniverseDiscoveryPacket(b)
			if err != nil {
				return nil, err
			}
			return p, nil
		}
		return nil, decodeError(40, ErrInvalidVector)
	}
	return nil, decodeError(18, ErrInvalidVector)
}

func putFlagsLength(b []byte, length int) {
	binary.BigEndian.PutUint16(b, flagsNibble|uint16(length)&0x0fff)
}

// putRootLayer writes the root layer into b; b must already have its final length.
func putRootLayer(b []byte, vector uint32, cid CID) {
	binary.BigEndian.PutUint16(b[0:2], preambleSize)
	binary.BigEndian.PutUint16(b[2:4], postambleSize)
	copy(b[4:16], acnPacketIdentifier[:])
	putFlagsLength(b[16:18], len(b)-16)
	binary.BigEndian.PutUint32(b[18:22], vector)
	copy(b[22:38], cid[:])
}

// putFramingHeader writes the framing flags/length and vector at offset 38.
func putFramingHeader(b []byte, vector uint32) {
	putFlagsLength(b[38:40], len(b)-38)
	binary.BigEndian.PutUint32(b[40:44], vector)
}

func checkPreamble(b []byte) error {
	if binary.BigEndian.Uint16(b[0:2]) != preambleSize || binary.BigEndian.Uint16(b[2:4]) != postambleSize {
		return decodeError(0, ErrInvalidIdentifier)
	}
	if !bytes.Equal(b[4:16], acnPacketIdentifier[:]) {
		return decodeError(4, ErrInvalidIdentifier)
	}
	return nil
}

// checkHeader validates length, identifier, root vector and framing vector and
// returns the CID.
func checkHeader(b []byte, minLen int, rootVector, framingVector uint32) (CID, error) {
	if len(b) < minLen {
		return CID{}, decodeError(len(b), ErrTooShort)
	}
	if err := checkPreamble(b); err != nil {
		return CID{}, err
	}
	if binary.BigEndian.Uint32(b[18:22]) != rootVector {
		return CID{}, decodeError(18, ErrInvalidVector)
	}
	if binary.BigEndian.Uint32(b[40:44]) != framingVector {
		return CID{}, decodeError(40, ErrInvalidVector)
	}
	var cid CID
	copy(cid[:], b[22:rootLayerLen])
	return cid, nil
}

func checkUniverse(u uint16) error {
	if u < MinUniverse || u > MaxUniverse {
		return fmt.Errorf("universe %d not in [%d, %d]: %w", u, MinUniverse, MaxUniverse, ErrOutOfRange)
	}
	return nil
}

func checkSourceName(name string) error {
	if len(name) > MaxSourceName {
		return fmt.Errorf("source name is %d bytes, max %d: %w", len(name), MaxSourceName, ErrOutOfRange)
	}
	if !utf8.ValidString(name) || strings.IndexByte(name, 0) >= 0 {
		return fmt.Errorf("source name %q: %w", name, ErrInvalidSourceName)
	}
	return nil
}

func putSourceName(b []byte, name string) {
	copy(b[:64], name)
}

func readSourceName(b []byte) (string, error) {
	field := b[:64]
	i := bytes.IndexByte(field, 0)
	if i < 0 {
		return "", ErrOutOfRange
	}
	name := string(field[:i])
	if !utf8.ValidString(name) {
		return "", ErrInvalidSourceName
	}
	return name, nil
}
