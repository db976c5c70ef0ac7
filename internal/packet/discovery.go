package packet

import (
	"encoding/binary"
	"fmt"
	"sort"
)

const (
	discoveryHeaderLen    = 120
	discoveryLayerOffset  = 112
	MaxUniversesPerPage   = 512
	maxDiscoveryPages     = 256
	maxDiscoveryUniverses = MaxUniversesPerPage * maxDiscoveryPages
)

// UniverseDiscoveryPacket is one page of a source's list of active universes.
type UniverseDiscoveryPacket struct {
	cid        CID
	sourceName string
	page       uint8
	lastPage   uint8
	universes  []uint16
}

// NewUniverseDiscoveryPacket builds a single page. Universes are sorted and
// de-duplicated.
func NewUniverseDiscoveryPacket(cid CID, sourceName string, page, lastPage uint8, universes []uint16) (*UniverseDiscoveryPacket, error) {
	if err := checkSourceName(sourceName); err != nil {
		return nil, err
	}
	list, err := normalizeUniverses(universes)
	if err != nil {
		return nil, err
	}
	if len(list) > MaxUniversesPerPage {
		return nil, fmt.Errorf("%d universes on one page, max %d: %w", len(list), MaxUniversesPerPage, ErrOutOfRange)
	}
	return &UniverseDiscoveryPacket{
		cid:        cid,
		sourceName: sourceName,
		page:       page,
		lastPage:   lastPage,
		universes:  list,
	}, nil
}

// NewUniverseDiscoveryPackets splits universes into as many pages as needed.
// An empty list yields a single empty page.
func NewUniverseDiscoveryPackets(cid CID, sourceName string, universes []uint16) ([]*UniverseDiscoveryPacket, error) {
	list, err := normalizeUniverses(universes)
	if err != nil {
		return nil, err
	}
	if len(list) > maxDiscoveryUniverses {
		return nil, fmt.Errorf("%d universes, max %d: %w", len(list), maxDiscoveryUniverses, ErrOutOfRange)
	}

	pages := (len(list) + MaxUniversesPerPage - 1) / MaxUniversesPerPage
	if pages == 0 {
		pages = 1
	}
	packets := make([]*UniverseDiscoveryPacket, 0, pages)
	for i := 0; i < pages; i++ {
		end := (i + 1) * MaxUniversesPerPage
		if end > len(list) {
			end = len(list)
		}
		p, err := NewUniverseDiscoveryPacket(cid, sourceName, uint8(i), uint8(pages-1), list[i*MaxUniversesPerPage:end])
		if err != nil {
			return nil, err
		}
		packets = append(packets, p)
	}
	return packets, nil
}

func normalizeUniverses(universes []uint16) ([]uint16, error) {
	list := make([]uint16, 0, len(universes))
	seen := make(map[uint16]struct{}, len(universes))
	for _, u := range universes {
		if err := checkUniverse(u); err != nil {
			return nil, err
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		list = append(list, u)
	}
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	return list, nil
}

func (p *UniverseDiscoveryPacket) Kind() Kind         { return KindDiscovery }
func (p *UniverseDiscoveryPacket) CID() CID           { return p.cid }
func (p *UniverseDiscoveryPacket) SourceName() string { return p.sourceName }
func (p *UniverseDiscoveryPacket) Page() uint8        { return p.page }
func (p *UniverseDiscoveryPacket) LastPage() uint8    { return p.lastPage }

// Universes returns a copy of the sorted universe list.
func (p *UniverseDiscoveryPacket) Universes() []uint16 {
	out := make([]uint16, len(p.universes))
	copy(out, p.universes)
	return out
}

func (p *UniverseDiscoveryPacket) Bytes() []byte {
	b := make([]byte, discoveryHeaderLen+2*len(p.universes))
	putRootLayer(b, VectorRootE131Extended, p.cid)
	putFramingHeader(b, VectorE131ExtendedDiscovery)
	putSourceName(b[44:108], p.sourceName)
	// b[108:112] reserved
	putFlagsLength(b[112:114], len(b)-discoveryLayerOffset)
	binary.BigEndian.PutUint32(b[114:118], VectorUniverseDiscoveryUniverseList)
	b[118] = p.page
	b[119] = p.lastPage
	for i, u := range p.universes {
		binary.BigEndian.PutUint16(b[discoveryHeaderLen+2*i:], u)
	}
	return b
}

func ParseUniverseDiscoveryPacket(b []byte) (*UniverseDiscoveryPacket, error) {
	cid, err := checkHeader(b, discoveryHeaderLen, VectorRootE131Extended, VectorE131ExtendedDiscovery)
	if err != nil {
		return nil, err
	}
	if binary.BigEndian.Uint32(b[114:118]) != VectorUniverseDiscoveryUniverseList {
		return nil, decodeError(114, ErrInvalidVector)
	}

	p := &UniverseDiscoveryPacket{cid: cid, page: b[118], lastPage: b[119]}
	if p.sourceName, err = readSourceName(b[44:108]); err != nil {
		return nil, decodeError(44, err)
	}
	count := (len(b) - discoveryHeaderLen) / 2
	if count > MaxUniversesPerPage {
		return nil, decodeError(discoveryHeaderLen, ErrOutOfRange)
	}
	raw := make([]uint16, count)
	for i := range raw {
		raw[i] = binary.BigEndian.Uint16(b[discoveryHeaderLen+2*i:])
	}
	if p.universes, err = normalizeUniverses(raw); err != nil {
		return nil, decodeError(discoveryHeaderLen, err)
	}
	return p, nil
}
