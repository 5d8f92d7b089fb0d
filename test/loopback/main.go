// Command loopback runs two protocol cores back to back over an in-memory
// lossy link, driven by a virtual clock. It demonstrates the full lifecycle:
// handshake, data transfer with loss recovery, and orderly close, all in one
// deterministic single-threaded process.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/netip"
	"os"
	"time"

	"github.com/cloudpath-net/tcpcore/config"
	"github.com/cloudpath-net/tcpcore/lib"
)

var (
	clientAddr = netip.MustParseAddr("127.0.0.4")
	serverAddr = netip.MustParseAddr("127.0.0.2")
)

// link is one direction of the in-memory wire. Frames queue up until the
// event loop pumps them into the destination core; a loss rate drops frames
// before they queue.
type link struct {
	name  string
	dst   *lib.TcpCore
	queue [][]byte
	src   netip.Addr
	dstIP netip.Addr
	loss  float64
	rng   *rand.Rand

	sent    int
	dropped int
}

func (l *link) SendSegment(seg *lib.Segment) error {
	l.sent++
	if l.rng.Float64() < l.loss {
		l.dropped++
		log.Printf("[%s] dropping segment seq=%d len=%d", l.name, seg.SeqNum, len(seg.Payload))
		return nil
	}
	buf := make([]byte, lib.TcpHeaderLength+lib.TcpOptionsMaxLength+len(seg.Payload))
	n, err := seg.Marshal(config.ProtocolID, buf)
	if err != nil {
		return err
	}
	l.queue = append(l.queue, buf[:n])
	return nil
}

func (l *link) pump() bool {
	progress := false
	for len(l.queue) > 0 {
		frame := l.queue[0]
		l.queue = l.queue[1:]
		if err := l.dst.DeliverFrame(frame, l.src, l.dstIP); err != nil {
			log.Printf("[%s] deliver: %v", l.name, err)
		}
		progress = true
	}
	return progress
}

// app queues notifications for the event loop; the core must not be
// re-entered from inside Notify.
type app struct {
	name    string
	pending []lib.Notification
}

func (a *app) Notify(n lib.Notification) {
	a.pending = append(a.pending, n)
}

func main() {
	configPath := flag.String("config", "", "optional yaml config file")
	loss := flag.Float64("loss", 0.2, "per-segment drop probability on each direction")
	messages := flag.Int("messages", 10, "number of messages the client sends")
	seed := flag.Int64("seed", 42, "loss pattern seed")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.ReadConfig(*configPath)
		if err != nil {
			log.Fatalln("Configuration file error:", err)
		}
	}
	cfg.Debug = false
	// message boundaries must survive the echo for the comparison below
	cfg.QueueStrategy = lib.QueueObject

	clock := lib.NewVirtualClock()
	toServer := &link{name: "c->s", src: clientAddr, dstIP: serverAddr, loss: *loss, rng: rand.New(rand.NewSource(*seed))}
	toClient := &link{name: "s->c", src: serverAddr, dstIP: clientAddr, loss: *loss, rng: rand.New(rand.NewSource(*seed + 1))}
	clientApp := &app{name: "client"}
	serverApp := &app{name: "server"}

	client, err := lib.NewTcpCore(cfg, clock, toServer, clientApp)
	if err != nil {
		log.Fatalln("client core:", err)
	}
	server, err := lib.NewTcpCore(cfg, clock, toClient, serverApp)
	if err != nil {
		log.Fatalln("server core:", err)
	}
	toServer.dst = server
	toClient.dst = client

	if err := server.OpenPassive(1, 1, netip.AddrPortFrom(serverAddr, 8901), true, nil); err != nil {
		log.Fatalln("passive open:", err)
	}
	if err := client.OpenActive(1, 1, netip.AddrPortFrom(clientAddr, 32768), netip.AddrPortFrom(serverAddr, 8901), nil); err != nil {
		log.Fatalln("active open:", err)
	}

	var (
		established  bool
		serverConnID int
		sentCount    int
		echoed       [][]byte
		clientClosed bool
	)

	// single-threaded event loop: pump the links, act on notifications,
	// advance virtual time when the wire goes quiet so timers can recover
	// whatever the link dropped
	deadline := 10 * time.Minute
	var elapsed time.Duration
	for elapsed < deadline {
		if !toServer.pump() && !toClient.pump() {
			step := 100 * time.Millisecond
			clock.Advance(step)
			elapsed += step
		}

		for _, n := range drain(&serverApp.pending) {
			switch n.Kind {
			case lib.NotifyEstablished:
				serverConnID = n.ConnID
				log.Printf("[server] accepted connection %d", serverConnID)
			case lib.NotifyData:
				// echo straight back
				if err := server.Send(n.Endpoint, n.ConnID, n.Data); err != nil {
					log.Println("[server] echo:", err)
				}
			case lib.NotifyPeerClosed:
				log.Println("[server] client closed, closing our half")
				if err := server.Close(n.Endpoint, n.ConnID); err != nil {
					log.Println("[server] close:", err)
				}
			case lib.NotifyClosed:
				log.Println("[server] connection fully closed")
			}
		}

		for _, n := range drain(&clientApp.pending) {
			switch n.Kind {
			case lib.NotifyEstablished:
				established = true
				log.Println("[client] connection established")
			case lib.NotifyData:
				echoed = append(echoed, n.Data)
				log.Printf("[client] echo %d/%d received", len(echoed), *messages)
			case lib.NotifyClosed:
				log.Println("[client] connection fully closed")
			case lib.NotifyTimedOut, lib.NotifyReset, lib.NotifyRefused:
				log.Fatalf("[client] connection failed: %s", n.Kind)
			}
		}

		if established && sentCount < *messages {
			msg := []byte(fmt.Sprintf("message %03d over the lossy loopback", sentCount))
			if err := client.Send(1, 1, msg); err != nil {
				log.Fatalln("[client] send:", err)
			}
			sentCount++
		}
		if len(echoed) == *messages && !clientClosed {
			clientClosed = true
			if err := client.Close(1, 1); err != nil {
				log.Fatalln("[client] close:", err)
			}
		}
		if clientClosed && client.ConnectionCount() == 0 && server.ConnectionCount() <= 1 {
			break
		}
	}

	if len(echoed) != *messages {
		log.Fatalf("only %d of %d echoes arrived before the deadline", len(echoed), *messages)
	}
	for i, echo := range echoed {
		want := []byte(fmt.Sprintf("message %03d over the lossy loopback", i))
		if !bytes.Equal(echo, want) {
			log.Fatalf("echo %d corrupted: %q", i, echo)
		}
	}

	clientStats, serverStats := client.Stats(), server.Stats()
	log.Printf("client: %d segments out (%d retransmits), %d in",
		clientStats.SegmentsOut, clientStats.Retransmits, clientStats.SegmentsIn)
	log.Printf("server: %d segments out (%d retransmits), %d in",
		serverStats.SegmentsOut, serverStats.Retransmits, serverStats.SegmentsIn)
	log.Printf("link drops: %d of %d c->s, %d of %d s->c",
		toServer.dropped, toServer.sent, toClient.dropped, toClient.sent)
	log.Printf("all %d messages echoed intact through %.0f%% loss", *messages, *loss*100)
	os.Exit(0)
}

// drain empties a notification queue and returns what was in it.
func drain(pending *[]lib.Notification) []lib.Notification {
	out := *pending
	*pending = nil
	return out
}
