// Package main implements fakebroker — a deterministic, in-memory Petrel
// broker for integration and performance testing of Petrel client
// implementations. It speaks the full text protocol over plain TCP and
// websocket: CONNECT, PUB with subject fanout, SUB with queue-group
// round-robin, UNSUB with auto-unsubscribe limits, PING/PONG, and verbose
// per-frame acknowledgements.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"
)

var (
	flagAddr       = flag.String("addr", "127.0.0.1:4872", "listen address")
	flagWSAddr     = flag.String("ws", "", "websocket listen address (empty disables the websocket listener)")
	flagServerID   = flag.String("server-id", "fakebroker-1", "server id announced in the INFO greeting")
	flagVersion    = flag.String("version", "0.1.0", "broker version announced in the INFO greeting")
	flagMaxPayload = flag.Int("max-payload", 1024*1024, "maximum accepted payload size in bytes")
	flagLogConn    = flag.Bool("log-conn", true, "log connect/disconnect events")
	flagLogStats   = flag.Bool("stats", false, "log per-connection throughput stats")
	flagStatsIvl   = flag.Duration("stats-interval", 5*time.Second, "stats logging interval")
	flagNoDelay    = flag.Bool("nodelay", true, "set TCP_NODELAY")
	flagWriteBuf   = flag.Int("write-buf", 64*1024, "per-connection write buffer size")
	flagOutDepth   = flag.Int("out-depth", 65536, "per-connection outbound channel depth")
	flagLatency    = flag.Duration("latency", 0, "artificial per-publish latency")
	flagDropPings  = flag.Bool("drop-pings", false, "never answer PING (for client flush-timeout testing)")
)

func main() {
	flag.Parse()

	core := newBrokerCore(brokerConfig{
		serverID:   *flagServerID,
		version:    *flagVersion,
		maxPayload: *flagMaxPayload,
		latency:    *flagLatency,
		dropPings:  *flagDropPings,
	})

	listener, err := net.Listen("tcp", *flagAddr)
	if err != nil {
		log.Fatalf("fakebroker: listen %s failed: %v", *flagAddr, err)
	}

	var wsListener *websocketListener
	if *flagWSAddr != "" {
		wsListener, err = startWebsocketListener(*flagWSAddr, core)
		if err != nil {
			log.Fatalf("fakebroker: websocket listen %s failed: %v", *flagWSAddr, err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("fakebroker: received %v, shutting down", sig)
		if wsListener != nil {
			wsListener.close()
		}
		_ = listener.Close()
	}()

	log.Printf("fakebroker %s listening on %s  (ws=%q max_payload=%d latency=%v drop_pings=%v GOMAXPROCS=%d)",
		*flagVersion, *flagAddr, *flagWSAddr, *flagMaxPayload, *flagLatency, *flagDropPings,
		runtime.GOMAXPROCS(0))

	for {
		conn, acceptErr := listener.Accept()
		if acceptErr != nil {
			if isClosedError(acceptErr) {
				log.Printf("fakebroker: listener closed, exiting")
				return
			}
			log.Printf("fakebroker: accept: %v", acceptErr)
			continue
		}
		if *flagNoDelay {
			if tcp, ok := conn.(*net.TCPConn); ok {
				_ = tcp.SetNoDelay(true)
			}
		}
		go core.handleConnection(conn)
	}
}

func isClosedError(err error) bool {
	if err == nil {
		return false
	}
	if opErr, ok := err.(*net.OpError); ok && opErr.Err != nil {
		return opErr.Err.Error() == "use of closed network connection"
	}
	return false
}

func init() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetOutput(os.Stderr)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "fakebroker — deterministic Petrel broker for client testing\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
}
