package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sacn2mqtt/internal/artnet"
	"sacn2mqtt/internal/clientmqtt"
	"sacn2mqtt/internal/config"
	"sacn2mqtt/internal/logger"
	"sacn2mqtt/internal/metrics"
	"sacn2mqtt/internal/packet"
	"sacn2mqtt/internal/receiver"
	"sacn2mqtt/internal/sender"
	"sacn2mqtt/internal/transport"
)

var configFile string

func init() {
	flag.StringVar(&configFile, "config", "configs/conf.toml", "Path to configuration file")
}

func main() {
	flag.Parse()
	cfg, err := config.NewConfig(configFile)
	if err != nil {
		fmt.Printf("configuration file read error: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		fmt.Printf("failed to create a logger: %v\n", err)
		os.Exit(1)
	}

	log.With(logger.Fields{"module": "logger"}).Debug("newLogger created ok")

	cid, err := stationCID(cfg.SACN)
	if err != nil {
		log.With(logger.Fields{"module": "config"}).Errorf("bad cid: %v", err)
		os.Exit(1)
	}
	log.With(logger.Fields{"module": "sacn"}).Infof("CID %s, source name %q", cid, cfg.SACN.SourceName)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer cancel()

	metricsSrv := startMetrics(log, cfg.Metrics)

	var client clientmqtt.MQTTClient
	if cfg.MQTT.Enabled {
		client = clientmqtt.NewClient(log, ConvertConfigClientMQTT(cfg.MQTT))
		log.With(logger.Fields{"module": "mqtt"}).Debug("NewClient created ok")
	}

	var fwd artnet.Forwarder
	if cfg.ArtNet.Enabled {
		a, err := artnet.NewController(log, cfg.ArtNet)
		if err != nil {
			log.With(logger.Fields{"module": "art-net"}).Errorf("error while creating a new controller art-net. %v", err)
			os.Exit(1)
		}
		log.With(logger.Fields{"module": "art-net"}).Debug("NewController created ok")
		fwd = a
	}

	var rcv *receiver.Receiver
	if cfg.Receiver.Enabled {
		rcv, err = newReceiver(log, cfg, client, fwd)
		if err != nil {
			log.With(logger.Fields{"module": "receiver"}).Errorf("failed to create the receiver: %v", err)
			os.Exit(1)
		}
	}

	var snd *sender.Sender
	if cfg.Sender.Enabled {
		snd, err = newSender(log, cfg, cid)
		if err != nil {
			log.With(logger.Fields{"module": "sender"}).Errorf("failed to create the sender: %v", err)
			os.Exit(1)
		}
	}

	// Канал для команд из MQTT.
	dmxDataCh := make(chan clientmqtt.DataCh, 10)

	if fwd != nil {
		if err = fwd.Start(ctx); err != nil {
			log.Error("failed to start art-net service:", err.Error())
			cancel()
		}
	}

	if rcv != nil {
		if err = rcv.Start(ctx); err != nil {
			log.Error("failed to start sACN receiver:", err.Error())
			cancel()
		}
	}

	if snd != nil {
		if err = snd.Start(ctx); err != nil {
			log.Error("failed to start sACN sender:", err.Error())
			cancel()
		}
		if client != nil {
			for _, u := range snd.ActiveUniverses() {
				client.SubscribeUniverse(u)
			}
		}
	}

	if client != nil {
		if err = client.Start(ctx, dmxDataCh); err != nil {
			log.Error("failed to start MQTT service:", err.Error())
			cancel()
		}
	}

	go applyCommands(ctx, log, snd, dmxDataCh)

	<-ctx.Done()

	if client != nil {
		if err := client.Stop(); err != nil {
			log.Error("failed to stop MQTT service:", err.Error())
		}
	}
	if snd != nil {
		snd.Stop()
	}
	if rcv != nil {
		rcv.Stop()
	}
	if fwd != nil {
		fwd.Stop()
	}
	if metricsSrv != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.Error("failed to stop metrics server:", err.Error())
		}
		done()
	}

	log.Info("shutdown complete")
}

func stationCID(cfg config.SACNConf) (packet.CID, error) {
	if cfg.CID == "" {
		return packet.NewCID(), nil
	}
	return packet.ParseCID(cfg.CID)
}

func startMetrics(log *logger.Log, cfg config.MetricsConf) *http.Server {
	metrics.RegisterMetrics()
	if cfg.Listen == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: cfg.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.With(logger.Fields{"module": "metrics"}).Infof("serving /metrics on %s", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.With(logger.Fields{"module": "metrics"}).Errorf("metrics server: %v", err)
		}
	}()
	return srv
}

func newReceiver(log *logger.Log, cfg *config.Config, client clientmqtt.MQTTClient, fwd artnet.Forwarder) (*receiver.Receiver, error) {
	tr, err := transport.NewUDP(transport.UDPConf{
		BindAddress: cfg.SACN.BindAddress,
		Port:        cfg.Receiver.Port,
		Interface:   cfg.SACN.Interface,
		Loopback:    cfg.Receiver.Loopback,
	})
	if err != nil {
		return nil, err
	}
	rcv := receiver.New(log, tr)

	for _, u := range cfg.Receiver.Universes {
		if err := rcv.JoinMulticast(u); err != nil {
			tr.Close()
			return nil, err
		}
	}
	if err := rcv.JoinDiscovery(); err != nil {
		log.With(logger.Fields{"module": "receiver"}).Warnf("discovery group not joined: %v", err)
	}

	rcv.OnAvailability(func(universe uint16, status receiver.Status) {
		log.With(logger.Fields{"module": "receiver", "universe": universe}).Infof("universe %s", status)
		if client != nil {
			client.PublishStatus(universe, status.String())
		}
		if fwd != nil && status == receiver.TimedOut {
			fwd.Release(universe)
		}
	})
	rcv.Subscribe(receiver.UniverseData, receiver.AnyUniverse, func(ev receiver.Event) {
		if client != nil {
			client.PublishUniverse(ev.Data)
		}
		if fwd != nil {
			fwd.Forward(ev.Universe, ev.Data.Data())
		}
	})
	rcv.Subscribe(receiver.Discovery, receiver.AnyUniverse, func(ev receiver.Event) {
		log.With(logger.Fields{"module": "receiver", "cid": ev.Source.CID.String()}).
			Infof("source %q announces universes %v", ev.Source.Name, ev.Source.Universes)
	})
	return rcv, nil
}

func newSender(log *logger.Log, cfg *config.Config, cid packet.CID) (*sender.Sender, error) {
	tr, err := transport.NewUDP(transport.UDPConf{
		BindAddress: cfg.SACN.BindAddress,
		Port:        cfg.Sender.Port,
		Interface:   cfg.SACN.Interface,
	})
	if err != nil {
		return nil, err
	}
	snd, err := sender.New(log, tr, sender.Conf{
		CID:                cid,
		SourceName:         cfg.SACN.SourceName,
		FPS:                cfg.Sender.FPS,
		KeepAlive:          cfg.Sender.KeepAlive.Duration,
		Discovery:          cfg.Sender.Discovery,
		DiscoveryInterval:  cfg.Sender.DiscoveryInterval.Duration,
		DiscoveryMulticast: cfg.Sender.DiscoveryMulticast,
		ManualFlush:        cfg.Sender.ManualFlush,
	})
	if err != nil {
		tr.Close()
		return nil, err
	}
	for _, o := range cfg.Sender.Outputs {
		if err := configureOutput(snd, o); err != nil {
			snd.Stop()
			return nil, fmt.Errorf("output %d: %w", o.Universe, err)
		}
	}
	return snd, nil
}

// configureOutput activates one configured universe before the send loop starts.
func configureOutput(snd *sender.Sender, o config.OutputConf) error {
	if err := snd.Activate(o.Universe); err != nil {
		return err
	}
	if o.Priority != nil {
		if err := snd.SetPriority(o.Universe, *o.Priority); err != nil {
			return err
		}
	}
	if o.TTL != nil {
		if err := snd.SetTTL(o.Universe, *o.TTL); err != nil {
			return err
		}
	}
	if err := snd.SetPreview(o.Universe, o.Preview); err != nil {
		return err
	}
	switch {
	case o.Multicast:
		return snd.SetMulticast(o.Universe, true)
	case o.Broadcast:
		return snd.SetBroadcast(o.Universe, true)
	case o.Destination != "":
		dest, err := transport.ResolveUnicast(o.Destination)
		if err != nil {
			return err
		}
		return snd.SetDestination(o.Universe, dest)
	}
	return nil
}

// applyCommands feeds MQTT channel commands to the sender.
func applyCommands(ctx context.Context, log *logger.Log, snd *sender.Sender, dmxDataCh <-chan clientmqtt.DataCh) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-dmxDataCh:
			if snd == nil {
				continue
			}
			values := make([]sender.ChannelValue, len(d.Data))
			for i, v := range d.Data {
				values[i] = sender.ChannelValue{Universe: d.Universe, Channel: v.Channel, Value: v.Value}
			}
			log.With(logger.Fields{"module": "sender"}).Debugf("DMX. %d values for universe %d from MQTT", len(values), d.Universe)
			if err := snd.SetChannelValues(values); err != nil {
				log.With(logger.Fields{"module": "sender"}).Errorf("universe %d: %v", d.Universe, err)
			}
		}
	}
}

// ConvertConfigClientMQTT преобразует структуры.
func ConvertConfigClientMQTT(cfg config.MQTTConf) clientmqtt.MQTTConf {
	return clientmqtt.MQTTConf{
		ClientID:    cfg.ClientID,
		Schema:      "tcp",
		Host:        cfg.Host,
		Port:        cfg.Port,
		User:        cfg.User,
		Password:    cfg.Password,
		Qos:         cfg.Qos,
		TopicPrefix: cfg.TopicPrefix,
	}
}
