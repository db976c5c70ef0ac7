package artnet

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Haba1234/go-artnet"

	"sacn2mqtt/internal/config"
	"sacn2mqtt/internal/logger"
)

// maxPortAddress is the highest universe an Art-Net port-address can carry (15 bits).
const maxPortAddress = 1 << 15

// ArtNet forwards received sACN universes to Art-Net nodes (DMX over UDP/IP).
type ArtNet struct {
	logger      logger.Logger
	sender      *artnet.Controller
	state       *State
	sendTrigger chan uint16
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// Forwarder is a convenience interface to use within this application.
type Forwarder interface {
	Forward(universe uint16, data [512]byte)
	Release(universe uint16)
	Start(ctx context.Context) error
	Stop()
}

// NewController returns an Art-Net forwarder bound to the interface inside cfg.Network.
func NewController(log logger.Logger, cfg config.ArtNetConf) (*ArtNet, error) {
	ip, err := FindArtNetIP(cfg.Network)
	if err != nil {
		return nil, fmt.Errorf("failed to find the art-net IP: %w", err)
	}

	if len(ip) == 0 {
		return nil, errors.New("failed to find the art-net IP: No interface found")
	}

	host, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve hostname: %w", err)
	}

	host = strings.ToLower(strings.Split(host, ".")[0])
	log.With(logger.Fields{"module": "art-net"}).Infof("Using ArtNet IP %s and hostname %s", ip.String(), host)

	level := "info"
	if log.GetLevel() == "debug" {
		level = "debug"
	}
	senderLogger := artnet.NewDefaultLogger(level)
	maxFPS := cfg.MaxFPS
	if maxFPS < 1 {
		maxFPS = 1
	}

	return newArtNet(log, artnet.NewController(host, ip, senderLogger, artnet.MaxFPS(maxFPS))), nil
}

func newArtNet(log logger.Logger, sender *artnet.Controller) *ArtNet {
	return &ArtNet{
		logger:      log,
		sender:      sender,
		state:       NewState(),
		sendTrigger: make(chan uint16, 100),
	}
}

// Start the ArtNet.
func (c *ArtNet) Start(ctx context.Context) error {
	if err := c.sender.Start(); err != nil {
		return fmt.Errorf("failed to start Controller: %w", err)
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(2)
	go c.sendBackground()
	go c.debugDevices()
	return nil
}

// Stop the ArtNet.
func (c *ArtNet) Stop() {
	if c.cancel != nil {
		c.cancel()
		c.wg.Wait()
	}
	c.sender.Stop()
}

// Forward stores the latest level of a universe and schedules it for sending.
// It never blocks: when the queue is full the stored level goes out with the next trigger.
func (c *ArtNet) Forward(universe uint16, data [512]byte) {
	if _, ok := universeToAddress(universe); !ok {
		c.logger.With(logger.Fields{"module": "art-net"}).Debugf("universe %d has no art-net address", universe)
		return
	}
	c.state.SetUniverse(universe, data)
	select {
	case c.sendTrigger <- universe:
	default:
		c.logger.With(logger.Fields{"module": "art-net"}).Debug("send queue full")
	}
}

// Release forgets a universe whose sACN source went away; nodes hold their last look.
func (c *ArtNet) Release(universe uint16) {
	c.state.Delete(universe)
}

func (c *ArtNet) sendBackground() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case u := <-c.sendTrigger:
			dmx, ok := c.state.Universe(u)
			if !ok {
				continue
			}
			addr, _ := universeToAddress(u)
			c.logger.With(logger.Fields{"module": "art-net"}).Debugf("DMX. Sending universe %d to net %d subuni %d", u, addr.Net, addr.SubUni)
			c.sender.SendDMXToAddress(dmx.toByteSlice(), addr)
		}
	}
}

// universeToAddress converts an sACN universe to an art-net address.
// юниверс sACN 1 - адрес 0: старший байт - Net, младший байт - SubUni.
func universeToAddress(universe uint16) (artnet.Address, bool) {
	if universe < 1 || universe > maxPortAddress {
		return artnet.Address{}, false
	}
	v := make([]uint8, 2)
	binary.BigEndian.PutUint16(v, universe-1)

	return artnet.Address{
		Net:    v[0],
		SubUni: v[1],
	}, true
}

// NodeToString returns a string representation of the given Node.
func NodeToString(n *artnet.ControlledNode) (string, NodeTopic) {
	var inputs, outputs []string
	var out []uint16
	var outStr []string
	for _, p := range n.Node.InputPorts {
		inputs = append(inputs, fmt.Sprintf("%s: %s", p.Address.String(), p.Type.String()))
	}

	for _, p := range n.Node.OutputPorts {
		outputs = append(outputs, fmt.Sprintf("%s: %s", p.Address.String(), p.Type.String()))
		out = append(out, uint16(p.Address.Integer()))
		outStr = append(outStr, p.Address.String())
	}

	return fmt.Sprintf(
			" | IP=%s name=%q type=%q manufacturer=%q desc=%q inputs=%q outputs=%q",
			n.UDPAddress.String(), n.Node.Name, n.Node.Type,
			n.Node.Manufacturer, n.Node.Description,
			strings.Join(inputs, "; "), strings.Join(outputs, "; "),
		), NodeTopic{
			Name:      n.Node.Name,
			OutputStr: outStr,
			Output:    out,
		}
}

func ips(nodes []*artnet.ControlledNode) (ips IpsType) {
	ips = IpsType{}
	for _, n := range nodes {
		node, out := NodeToString(n)
		ips.Ips = append(ips.Ips, node)
		ips.Topics = append(ips.Topics, out)
	}
	return ips
}

func (c *ArtNet) debugDevices() {
	defer c.wg.Done()
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
		}
		dev := ips(c.sender.Nodes) // Видимые узлы.
		forwarded := c.state.Get()
		log := c.logger.With(logger.Fields{"module": "art-net"})
		log.Debugf("Currently %d devices are registered, %d universes forwarded: %v", len(dev.Ips), len(forwarded), dev.Ips)
		for _, top := range dev.Topics {
			log.Debugf("node %s outputs %v fed by sACN universes %v", top.Name, top.OutputStr, fedUniverses(top, forwarded))
		}
	}
}

// fedUniverses lists the forwarded sACN universes that land on an output of the node.
func fedUniverses(top NodeTopic, forwarded UniverseStateMap) []uint16 {
	var fed []uint16
	for _, out := range top.Output {
		if u := out + 1; u <= maxPortAddress {
			if _, ok := forwarded[u]; ok {
				fed = append(fed, u)
			}
		}
	}
	return fed
}
