package artnet

// Universe wraps the 512 byte array for convenience.
type Universe [512]byte

func (u Universe) toByteSlice() [512]byte {
	return u
}

// UniverseStateMap holds the state of all forwarded universes.
type UniverseStateMap map[uint16]Universe

// NodeTopic is the short form of a discovered node.
type NodeTopic struct {
	Name      string
	OutputStr []string
	Output    []uint16
}

type IpsType struct {
	Ips    []string
	Topics []NodeTopic
}
