package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"golang.zx2c4.com/wireguard/tun"

	"wgtun/device"
	"wgtun/elevation"
	"wgtun/firewall"
	"wgtun/logging"
)

const (
	packageName = "wgtun"
	defaultMTU  = 1420
)

func main() {
	if !elevation.IsElevated() {
		fmt.Fprintf(os.Stderr, "%s: insufficient privileges: %s\n", packageName, elevation.Hint())
		os.Exit(1)
	}

	var (
		mtu         = flag.Int("mtu", defaultMTU, "TUN device MTU")
		listenPort  = flag.Int("listen-port", 0, "initial UDP listen port (0 = kernel-assigned)")
		numWorkers  = flag.Int("workers", 0, "encrypt-worker pool size (0 = NumCPU)")
		connected   = flag.Bool("connected-sockets", true, "use a connect(2)'d socket per peer once its endpoint is known")
		useDenylist = flag.Bool("firewall", false, "enable the nftables-backed address denylist firewall hook")
		verbose     = flag.Bool("verbose", false, "log verbose (non-error) messages")
	)
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(1)
	}
	iface := flag.Arg(0)

	log := logging.NewStd(os.Stdout, os.Stderr)
	if !*verbose {
		log = logging.NewStd(discardWriter{}, os.Stderr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		<-sigCh
		log.Verbosef("%s: signal received, shutting down", packageName)
		cancel()
	}()

	if err := run(ctx, iface, *mtu, *listenPort, *numWorkers, *connected, *useDenylist, log); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", packageName, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, iface string, mtu, listenPort, numWorkers int, connected, useDenylist bool, log logging.Logger) error {
	tunDevice, err := tun.CreateTUN(iface, mtu)
	if err != nil {
		return fmt.Errorf("create TUN %s: %w", iface, err)
	}

	bind4, bind6, err := listenUDP(listenPort)
	if err != nil {
		_ = tunDevice.Close()
		return err
	}

	cfg := device.NewConfig()
	cfg.NumWorkers = numWorkers
	cfg.UseConnectedSocket = connected
	cfg.Logger = log

	var denylist *firewall.Denylist
	if useDenylist {
		denylist, err = firewall.NewDenylist()
		if err != nil {
			return fmt.Errorf("firewall: %w", err)
		}
		defer denylist.Close()
		cfg.InboundFirewall = denylist.Allow
		cfg.OutboundFirewall = denylist.Allow
	}

	var zeroKey [32]byte
	d, err := device.NewDevice(zeroKey, cfg)
	if err != nil {
		return fmt.Errorf("construct device: %w", err)
	}
	defer d.Close()
	d.SetListenPort(listenPort)

	ln, err := device.UAPIListen(iface)
	if err != nil {
		return fmt.Errorf("uapi listen: %w", err)
	}
	d.ServeUAPI(ln, iface)

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- d.Run(tunDevice, bind4, bind6) }()

	select {
	case <-ctx.Done():
		d.Close()
		<-runErrCh
		return nil
	case err := <-runErrCh:
		return err
	}
}

// listenUDP binds the wildcard address on both families at the given
// port (0 lets the kernel pick one); a device reconfigured to a
// different listen_port over UAPI updates Device.listenPort (reported
// by get and used as the local port of new per-peer connected sockets)
// but does not rebind these listening sockets.
func listenUDP(port int) (bind4, bind6 *net.UDPConn, err error) {
	bind4, err = net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, nil, fmt.Errorf("listen udp4: %w", err)
	}
	bind6, err = net.ListenUDP("udp6", &net.UDPAddr{Port: bind4.LocalAddr().(*net.UDPAddr).Port})
	if err != nil {
		// Dual stack is a convenience, not a requirement; IPv6-less
		// hosts still get a working v4-only device.
		bind6 = nil
	}
	return bind4, bind6, nil
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s [flags] <interface>

Runs the WireGuard-compatible data plane on the given TUN interface,
configured at runtime over its UAPI control socket (e.g. via wg(8)).

Flags:
`, packageName)
	flag.PrintDefaults()
}
