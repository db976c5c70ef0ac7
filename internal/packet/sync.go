package packet

import (
	"encoding/binary"
)

const syncPacketLen = 49

// SyncPacket asks receivers to apply buffered data for its sync universe.
type SyncPacket struct {
	cid          CID
	syncUniverse uint16
	sequence     uint8
}

func NewSyncPacket(cid CID, syncUniverse uint16, sequence uint8) (*SyncPacket, error) {
	if err := checkUniverse(syncUniverse); err != nil {
		return nil, err
	}
	return &SyncPacket{cid: cid, syncUniverse: syncUniverse, sequence: sequence}, nil
}

func (p *SyncPacket) Kind() Kind           { return KindSync }
func (p *SyncPacket) CID() CID             { return p.cid }
func (p *SyncPacket) SyncUniverse() uint16 { return p.syncUniverse }
func (p *SyncPacket) Sequence() uint8      { return p.sequence }

func (p *SyncPacket) Bytes() []byte {
	b := make([]byte, syncPacketLen)
	putRootLayer(b, VectorRootE131Extended, p.cid)
	putFramingHeader(b, VectorE131ExtendedSynchronization)
	b[44] = p.sequence
	binary.BigEndian.PutUint16(b[45:47], p.syncUniverse)
	// b[47:49] reserved
	return b
}

func ParseSyncPacket(b []byte) (*SyncPacket, error) {
	cid, err := checkHeader(b, syncPacketLen, VectorRootE131Extended, VectorE131ExtendedSynchronization)
	if err != nil {
		return nil, err
	}
	p := &SyncPacket{
		cid:          cid,
		sequence:     b[44],
		syncUniverse: binary.BigEndian.Uint16(b[45:47]),
	}
	if checkUniverse(p.syncUniverse) != nil {
		return nil, decodeError(45, ErrOutOfRange)
	}
	return p, nil
}
