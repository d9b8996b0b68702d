// Command udpecho runs a UDP echo server on top of this module's
// userspace network stack, bound to a real interface via a raw
// AF_PACKET device. Every datagram received on the configured port is
// sent back to its source unchanged.
package main

import (
	"context"
	"flag"
	"log"
	"net/netip"
	"os/signal"
	"syscall"

	udpstack "github.com/ofir1023/udpstack"
	"github.com/ofir1023/udpstack/link"
)

func main() {
	iface := flag.String("iface", "eth0", "interface to bind the raw device to")
	addr := flag.String("addr", "10.0.0.2/24", "this host's address, in CIDR form")
	gateway := flag.String("gateway", "", "default gateway address (optional)")
	port := flag.Uint("port", 7, "UDP port to echo on")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	prefix, err := netip.ParsePrefix(*addr)
	if err != nil {
		log.Fatalf("udpecho: parsing -addr: %v", err)
	}
	var gw netip.Addr
	if *gateway != "" {
		gw, err = netip.ParseAddr(*gateway)
		if err != nil {
			log.Fatalf("udpecho: parsing -gateway: %v", err)
		}
	}

	dev, err := link.NewRawDevice(*iface, prefix.Addr(), prefix, gw)
	if err != nil {
		log.Fatalf("udpecho: opening %s: %v", *iface, err)
	}
	defer dev.Close()

	host, err := udpstack.NewHost(log.Printf)
	if err != nil {
		log.Fatalf("udpecho: building host: %v", err)
	}
	if err := host.AddAdapter(dev); err != nil {
		log.Fatalf("udpecho: registering adapter: %v", err)
	}

	go func() {
		if err := dev.Run(ctx, host.Stack); err != nil && ctx.Err() == nil {
			log.Printf("udpecho: receive loop stopped: %v", err)
		}
	}()

	sock := host.NewSocket()
	defer sock.Close()
	if err := sock.Bind(prefix.Addr(), uint16(*port)); err != nil {
		log.Fatalf("udpecho: bind port %d: %v", *port, err)
	}
	log.Printf("udpecho: echoing on %s:%d", prefix.Addr(), *port)

	for {
		srcIP, srcPort, data, err := sock.RecvFrom(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("udpecho: recv: %v", err)
			continue
		}
		if err := sock.SendTo(ctx, data, srcIP, srcPort); err != nil {
			log.Printf("udpecho: echo to %s:%d: %v", srcIP, srcPort, err)
		}
	}
}
