package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"
	"golang.org/x/net/netutil"

	"github.com/lanikai/duocall/internal/relay"
)

var (
	flagConfig   string
	flagMaxConns int
	flagHelp     bool
)

func init() {
	flag.StringVarP(&flagConfig, "config", "c", "relayd.json", "path to relay configuration file")
	flag.IntVarP(&flagMaxConns, "max-connections", "n", 1024, "maximum concurrent client connections")
	flag.BoolVarP(&flagHelp, "help", "h", false, "show usage")
}

func main() {
	flag.Parse()

	if flagHelp {
		help()
		os.Exit(0)
	}

	config, err := relay.LoadConfig(flagConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config %s: %v\n", flagConfig, err)
		os.Exit(1)
	}

	dir, err := relay.OpenDirectory(config.UserFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}

	ln, err := config.NewListener()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	ln = netutil.LimitListener(ln, flagMaxConns)

	srv := relay.NewServer(dir)

	// Let in-flight workers run their disconnect cleanup before exit.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		srv.Shutdown()
	}()

	fmt.Printf("relayd listening on %s (tls=%v)\n", config.Addr(), config.EnableTLS)
	if err := srv.Serve(ln); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
