package packet

import (
	"encoding/binary"
	"fmt"
)

// Options are the framing layer option bits of a DataPacket.
type Options uint8

const (
	OptionPreviewData      Options = 0x80
	OptionStreamTerminated Options = 0x40
	OptionForceSync        Options = 0x20

	knownOptions = OptionPreviewData | OptionStreamTerminated | OptionForceSync
)

const (
	dataHeaderLen  = 126
	dataPacketLen  = dataHeaderLen + Channels
	dmpLayerOffset = 115
)

// DataPacket carries one universe of DMX data.
type DataPacket struct {
	cid          CID
	sourceName   string
	priority     uint8
	syncUniverse uint16
	sequence     uint8
	options      Options
	universe     uint16
	startCode    byte
	data         [Channels]byte
}

// NewDataPacket returns a packet at DefaultPriority with data zero-padded to 512 bytes.
func NewDataPacket(cid CID, sourceName string, universe uint16, data []byte) (*DataPacket, error) {
	p := &DataPacket{cid: cid, priority: DefaultPriority}
	if err := p.SetSourceName(sourceName); err != nil {
		return nil, err
	}
	if err := p.SetUniverse(universe); err != nil {
		return nil, err
	}
	if err := p.SetData(data); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *DataPacket) Kind() Kind           { return KindData }
func (p *DataPacket) CID() CID             { return p.cid }
func (p *DataPacket) SourceName() string   { return p.sourceName }
func (p *DataPacket) Priority() uint8      { return p.priority }
func (p *DataPacket) SyncUniverse() uint16 { return p.syncUniverse }
func (p *DataPacket) Sequence() uint8      { return p.sequence }
func (p *DataPacket) Options() Options     { return p.options }
func (p *DataPacket) Universe() uint16     { return p.universe }
func (p *DataPacket) StartCode() byte      { return p.startCode }

// Data returns a copy of the channel buffer.
func (p *DataPacket) Data() [Channels]byte { return p.data }

func (p *DataPacket) StreamTerminated() bool { return p.options&OptionStreamTerminated != 0 }
func (p *DataPacket) PreviewData() bool      { return p.options&OptionPreviewData != 0 }
func (p *DataPacket) ForceSync() bool        { return p.options&OptionForceSync != 0 }

func (p *DataPacket) SetSourceName(name string) error {
	if err := checkSourceName(name); err != nil {
		return err
	}
	p.sourceName = name
	return nil
}

func (p *DataPacket) SetPriority(priority uint8) error {
	if priority > MaxPriority {
		return fmt.Errorf("priority %d above %d: %w", priority, MaxPriority, ErrOutOfRange)
	}
	p.priority = priority
	return nil
}

func (p *DataPacket) SetUniverse(universe uint16) error {
	if err := checkUniverse(universe); err != nil {
		return err
	}
	p.universe = universe
	return nil
}

// SetSyncUniverse sets the synchronization address; 0 disables synchronization.
func (p *DataPacket) SetSyncUniverse(universe uint16) error {
	if universe > MaxUniverse {
		return fmt.Errorf("sync universe %d above %d: %w", universe, MaxUniverse, ErrOutOfRange)
	}
	p.syncUniverse = universe
	return nil
}

func (p *DataPacket) SetSequence(sequence uint8) { p.sequence = sequence }

// NextSequence advances the sequence number, wrapping from 255 to 0.
func (p *DataPacket) NextSequence() { p.sequence++ }

func (p *DataPacket) SetStartCode(code byte) { p.startCode = code }

// SetData replaces the channel buffer. Shorter input is zero-padded.
func (p *DataPacket) SetData(data []byte) error {
	if len(data) > Channels {
		return fmt.Errorf("%d channels, max %d: %w", len(data), Channels, ErrOutOfRange)
	}
	var buf [Channels]byte
	copy(buf[:], data)
	p.data = buf
	return nil
}

// SetChannel sets one zero-based channel.
func (p *DataPacket) SetChannel(channel uint16, value byte) error {
	if int(channel) >= Channels {
		return fmt.Errorf("channel %d: %w", channel, ErrOutOfRange)
	}
	p.data[channel] = value
	return nil
}

func (p *DataPacket) SetOption(option Options, on bool) {
	if on {
		p.options |= option & knownOptions
	} else {
		p.options &^= option
	}
}

func (p *DataPacket) SetStreamTerminated(on bool) { p.SetOption(OptionStreamTerminated, on) }
func (p *DataPacket) SetPreviewData(on bool)      { p.SetOption(OptionPreviewData, on) }
func (p *DataPacket) SetForceSync(on bool)        { p.SetOption(OptionForceSync, on) }

// Bytes encodes the packet; the result is always 638 bytes long.
func (p *DataPacket) Bytes() []byte {
	b := make([]byte, dataPacketLen)
	putRootLayer(b, VectorRootE131Data, p.cid)
	putFramingHeader(b, VectorE131DataPacket)
	putSourceName(b[44:108], p.sourceName)
	b[108] = p.priority
	binary.BigEndian.PutUint16(b[109:111], p.syncUniverse)
	b[111] = p.sequence
	b[112] = byte(p.options)
	binary.BigEndian.PutUint16(b[113:115], p.universe)

	putFlagsLength(b[115:117], len(b)-dmpLayerOffset)
	b[117] = VectorDMPSetProperty
	b[118] = dmpAddressType
	binary.BigEndian.PutUint16(b[119:121], dmpFirstAddress)
	binary.BigEndian.PutUint16(b[121:123], dmpAddrIncrement)
	binary.BigEndian.PutUint16(b[123:125], Channels+1)
	b[125] = p.startCode
	copy(b[dataHeaderLen:], p.data[:])
	return b
}

// ParseDataPacket decodes b. Payloads shorter than 512 channels are zero-padded.
func ParseDataPacket(b []byte) (*DataPacket, error) {
	cid, err := checkHeader(b, dataHeaderLen, VectorRootE131Data, VectorE131DataPacket)
	if err != nil {
		return nil, err
	}
	if b[117] != VectorDMPSetProperty {
		return nil, decodeError(117, ErrInvalidVector)
	}
	if b[118] != dmpAddressType {
		return nil, decodeError(118, ErrInvalidVector)
	}
	if binary.BigEndian.Uint16(b[119:121]) != dmpFirstAddress {
		return nil, decodeError(119, ErrInvalidVector)
	}
	if binary.BigEndian.Uint16(b[121:123]) != dmpAddrIncrement {
		return nil, decodeError(121, ErrInvalidVector)
	}

	p := &DataPacket{cid: cid}
	if p.sourceName, err = readSourceName(b[44:108]); err != nil {
		return nil, decodeError(44, err)
	}
	p.priority = b[108]
	if p.priority > MaxPriority {
		return nil, decodeError(108, ErrOutOfRange)
	}
	p.syncUniverse = binary.BigEndian.Uint16(b[109:111])
	if p.syncUniverse > MaxUniverse {
		return nil, decodeError(109, ErrOutOfRange)
	}
	p.sequence = b[111]
	p.options = Options(b[112]) & knownOptions
	p.universe = binary.BigEndian.Uint16(b[113:115])
	if checkUniverse(p.universe) != nil {
		return nil, decodeError(113, ErrOutOfRange)
	}

	count := int(binary.BigEndian.Uint16(b[123:125]))
	if count < 1 || count > Channels+1 {
		return nil, decodeError(123, ErrOutOfRange)
	}
	if len(b) < dataHeaderLen+count-1 {
		return nil, decodeError(len(b), ErrTooShort)
	}
	p.startCode = b[125]
	copy(p.data[:], b[dataHeaderLen:dataHeaderLen+count-1])
	return p, nil
}
