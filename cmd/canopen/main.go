// Command canopen starts a single local CANopen node on a CAN interface,
// loads its object dictionary from an EDS file (or the built-in default),
// and keeps it running until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/go-canopen/canopen/pkg/can/all"
	"github.com/go-canopen/canopen/pkg/network"
	"github.com/go-canopen/canopen/pkg/od"
)

func main() {
	canInterface := flag.String("i", "virtual", "CAN interface type (socketcan, socketcanv2, virtual)")
	channel := flag.String("c", "can0", "CAN channel/interface name, e.g. can0, vcan0")
	bitrate := flag.Int("b", 500_000, "CAN bus bitrate")
	nodeId := flag.Int("n", 0x20, "node id")
	edsPath := flag.String("eds", "", "path to an EDS file, defaults to the built-in object dictionary")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	bus, err := network.NewBus(*canInterface, *channel, *bitrate)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create %v bus on %v : %v\n", *canInterface, *channel, err)
		os.Exit(1)
	}
	net := network.NewNetwork(bus)
	net.SetLogger(logger)

	if err := net.Connect(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to bus : %v\n", err)
		os.Exit(1)
	}
	defer net.Disconnect()

	var odict any
	if *edsPath != "" {
		odict = *edsPath
	} else {
		odict = od.Default()
	}

	node, err := net.CreateLocalNode(uint8(*nodeId), odict)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create node 0x%x : %v\n", *nodeId, err)
		os.Exit(1)
	}
	logger.Info("node started", "nodeId", node.GetID(), "interface", *canInterface, "channel", *channel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info("shutting down")
}
