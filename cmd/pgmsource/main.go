// Command pgmsource runs a PGM source transport: it binds a UDP
// multicast socket, accepts application data on stdin line by line,
// reliably multicasts each line as a PGM APDU, and serves Prometheus
// metrics alongside it.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/snapetech/pgmsource/internal/config"
	"github.com/snapetech/pgmsource/internal/metrics"
	"github.com/snapetech/pgmsource/internal/ratelimit"
	"github.com/snapetech/pgmsource/internal/source"
	"github.com/snapetech/pgmsource/internal/wire"
)

// udpSender adapts a *net.UDPConn to the source.Sender contract. PGM's
// rate-limited/router-alert send options map onto this process's own
// rate limiter and IP_MULTICAST_TTL/IP_OPTIONS, which are out of scope
// for this userspace implementation (spec.md §1); both flags are
// accepted and ignored at the socket layer here.
type udpSender struct {
	conn *net.UDPConn
	dst  *net.UDPAddr
}

func (u *udpSender) SendTo(buf []byte, rateLimited, routerAlert bool) (int, error) {
	n, err := u.conn.Write(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, source.ErrSocketWouldBlock
		}
		return 0, err
	}
	return n, nil
}

func main() {
	groupAddr := flag.String("group", "239.192.0.1:7500", "multicast group:port to publish on")
	mtu := flag.Int("mtu", 1500, "path MTU in bytes")
	txwSqns := flag.Uint("txw-sqns", 8192, "transmit window size in sequence numbers")
	rateBytesPerSec := flag.Int("rate", 10*1024*1024, "token-bucket rate in bytes/sec")
	rateBurst := flag.Int("rate-burst", 64*1024, "token-bucket burst in bytes")
	metricsAddr := flag.String("metrics-addr", ":9091", "Prometheus /metrics listen address")
	ambientSpmUs := flag.Uint64("ambient-spm-us", 4*1000*1000, "ambient SPM interval in microseconds")
	flag.Parse()

	dst, err := net.ResolveUDPAddr("udp4", *groupAddr)
	if err != nil {
		log.Fatalf("resolve group address: %v", err)
	}
	conn, err := net.DialUDP("udp4", nil, dst)
	if err != nil {
		log.Fatalf("dial multicast socket: %v", err)
	}
	defer conn.Close()

	recvConn, err := net.ListenMulticastUDP("udp4", nil, dst)
	if err != nil {
		log.Fatalf("listen multicast socket: %v", err)
	}
	defer recvConn.Close()

	local := conn.LocalAddr().(*net.UDPAddr)
	srcNLA := wire.NLA{AFI: wire.AFIIPv4, Bytes: local.IP.To4()}
	grpNLA := wire.NLA{AFI: wire.AFIIPv4, Bytes: dst.IP.To4()}

	reg := prometheus.NewRegistry()
	tsi := source.TSI{Sport: uint16(local.Port)}
	copy(tsi.GSI[:], local.IP.To4())
	counters := metrics.New(reg, fmt.Sprintf("%x", tsi.GSI))
	rate := ratelimit.New(*rateBytesPerSec, *rateBurst)

	fec := source.FECParams{N: 255, K: 223, TgSqnShift: 3, RsProactiveH: 0}
	src := source.New(tsi, uint16(dst.Port), grpNLA, srcNLA, *mtu, uint32(*txwSqns), fec, rate, counters)
	src.Sender = &udpSender{conn: conn, dst: dst}

	cfg := config.Config{}
	if err := cfg.SetAmbientSpm(src, *ambientSpmUs); err != nil {
		log.Fatalf("configure ambient SPM: %v", err)
	}
	src.Cfg = cfg

	stop := make(chan struct{})
	go src.RunRepairConsumer(stop)

	go func() {
		pkt := make([]byte, *mtu)
		for {
			n, _, err := recvConn.ReadFromUDP(pkt)
			if err != nil {
				if !src.IsOpen() {
					return
				}
				log.Printf("multicast read failed: %v", err)
				continue
			}
			if err := src.OnReceive(pkt[:n]); err != nil {
				log.Printf("discarding malformed packet: %v", err)
			}
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		log.Printf("metrics listening on %s", *metricsAddr)
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
			log.Fatalf("metrics http: %v", err)
		}
	}()

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			line := scanner.Bytes()
			if _, err := src.Send(append([]byte(nil), line...), 0); err != nil {
				log.Printf("send failed: %v", err)
			}
		}
		if err := scanner.Err(); err != nil {
			log.Printf("stdin: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	close(stop)
	src.Close()
	recvConn.Close()
	fmt.Println("shutting down")
}
