// SPDX-License-Identifier: GPL-3.0-or-later

// Command udpprobe sends numbered UDP datagrams between two gVisor stacks
// attached to a virtual internet and reports delivery and latency.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/bassosimone/pkttest"
	"github.com/bassosimone/runtimex"
	"github.com/montanaflynn/stats"
)

var (
	// args contains the command line arguments (overridable in tests).
	args = os.Args

	// output is the writer for the probe output (overridable in tests).
	output io.Writer = os.Stdout
)

// probeHeaderSize is the size of the sequence number prefixing each datagram.
const probeHeaderSize = 4

// probeResult is the outcome of a probe run.
type probeResult struct {
	// delivered is the number of datagrams received in order.
	delivered int

	// latencies contains the one-way latencies in milliseconds.
	latencies []float64

	// reordered is the number of datagrams received out of order.
	reordered int

	// sent is the number of datagrams sent.
	sent int
}

// lossFilter returns an [pkttest.InternetFilter] dropping the given
// fraction of the UDP datagrams using a seeded generator.
func lossFilter(loss float64, seed uint64) pkttest.InternetFilter {
	rng := rand.New(rand.NewPCG(seed, seed))
	mu := &sync.Mutex{}
	return func(frame pkttest.VNICFrame) bool {
		dgram, ok := pkttest.DissectUDP(frame.Packet)
		if !ok {
			return true
		}
		mu.Lock()
		drop := rng.Float64() < loss
		mu.Unlock()
		if drop {
			log.Debugf("udpprobe: dropping datagram %s -> %s", dgram.Src, dgram.Dst)
		}
		return !drop
	}
}

// routerMain routes packets until the context is done.
func routerMain(ctx context.Context, ix *pkttest.Internet, pcapFile string, snaplen uint16) (err error) {
	var tr *pkttest.PcapTrace

	if pcapFile != "" {
		filep := runtimex.PanicOnError1(os.Create(pcapFile))
		tr = pkttest.NewPcapTrace(filep, snaplen)
		defer func() {
			err = tr.Close()
		}()
	}

	ix.Route(ctx, tr)
	return
}

// probeMain sends count datagrams from client to server and collects them.
func probeMain(client, server *pkttest.Harness, count, size int, interval, timeout time.Duration) probeResult {
	result := probeResult{}
	sentAt := make(map[uint32]int64)
	payload := make([]byte, max(size, probeHeaderSize))

	// 1. send all the datagrams
	for seq := range uint32(count) {
		binary.BigEndian.PutUint32(payload, seq)
		sentAt[seq] = pkttest.TimestampFromTime(time.Now())
		if _, err := client.SendTo(payload, server.LocalAddr()); err != nil {
			log.Warnf("udpprobe: send #%d: %s", seq, err.Error())
			continue
		}
		result.sent++
		time.Sleep(interval)
	}

	// 2. collect the datagrams until a timeout without packets
	var next uint32
	for {
		pkt, found := server.NextPacket(timeout)
		if !found {
			break
		}
		if len(pkt.Data) < probeHeaderSize {
			log.Warnf("udpprobe: short datagram from %s", pkt.Addr)
			continue
		}
		seq := binary.BigEndian.Uint32(pkt.Data)
		if !server.CheckTimestamp(pkt.Timestamp) || seq < next {
			result.reordered++
		}
		next = max(next, seq+1)
		result.delivered++
		latency := time.Duration(pkt.Timestamp-sentAt[seq]) * time.Microsecond
		result.latencies = append(result.latencies, float64(latency)/float64(time.Millisecond))
	}
	return result
}

// printResult writes the probe summary.
func printResult(w io.Writer, result probeResult) {
	lost := result.sent - result.delivered
	fmt.Fprintf(w, "sent: %d delivered: %d lost: %d reordered: %d\n",
		result.sent, result.delivered, lost, result.reordered)
	if len(result.latencies) <= 0 {
		return
	}
	median := runtimex.PanicOnError1(stats.Median(result.latencies))
	p90 := runtimex.PanicOnError1(stats.Percentile(result.latencies, 90))
	p99 := runtimex.PanicOnError1(stats.Percentile(result.latencies, 99))
	fmt.Fprintf(w, "latency (ms): median %.3f p90 %.3f p99 %.3f\n", median, p90, p99)
}

func main() {
	// 1. create command line parser
	fset := flag.NewFlagSet("udpprobe", flag.ExitOnError)

	// 2. add flags to parse
	var (
		clientAddr  = fset.String("client-addr", "10.0.0.2", "Select client IP address.")
		count       = fset.Int("count", 100, "Number of datagrams to send.")
		delay       = fset.Duration("delay", 0, "One-way delay of the virtual internet.")
		interval    = fset.Duration("interval", time.Millisecond, "Interval between datagrams.")
		loss        = fset.Float64("loss", 0, "Fraction of datagrams to drop.")
		pcapFile    = fset.String("pcap-file", "", "Write PCAP at the given file.")
		pcapSnaplen = fset.Int("pcap-snaplen", 1500, "PCAP snapshot length in bytes.")
		seed        = fset.Uint64("seed", 1, "Seed for the loss generator.")
		serverAddr  = fset.String("server-addr", "10.0.0.1", "Select server IP address.")
		serverPort  = fset.String("server-port", "443", "Select server port.")
		size        = fset.Int("size", 512, "Datagram size in bytes.")
		timeout     = fset.Duration("timeout", 250*time.Millisecond, "Stop after no datagram arrives for this long.")
		verbose     = fset.Bool("verbose", false, "Enable debug logging.")
	)

	// 3. parse command line
	runtimex.PanicOnError0(fset.Parse(args[1:]))
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}
	if *size > pkttest.MaxUDPPayload(pkttest.MTUEthernet, false) {
		log.Warnf("udpprobe: datagrams larger than %d bytes are fragmented",
			pkttest.MaxUDPPayload(pkttest.MTUEthernet, false))
	}

	// 4. create the internet instance and route in the background
	options := []pkttest.InternetOption{}
	if *loss > 0 {
		options = append(options, pkttest.InternetOptionFilter(lossFilter(*loss, *seed)))
	}
	if *delay > 0 {
		options = append(options, pkttest.InternetOptionDelay(*delay))
	}
	ix := pkttest.NewInternet(options...)
	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	wg.Go(func() {
		runtimex.PanicOnError0(routerMain(ctx, ix, *pcapFile, uint16(*pcapSnaplen)))
	})

	// 5. create the stacks
	serverStack := runtimex.PanicOnError1(ix.NewStack(pkttest.MTUEthernet, netip.MustParseAddr(*serverAddr)))
	defer serverStack.Close()
	clientStack := runtimex.PanicOnError1(ix.NewStack(pkttest.MTUEthernet, netip.MustParseAddr(*clientAddr)))
	defer clientStack.Close()

	// 6. create the sockets and the harnesses
	serverSock := runtimex.PanicOnError1(pkttest.ListenAsyncUDPSocket(
		ctx, serverStack, net.JoinHostPort(*serverAddr, *serverPort)))
	server := pkttest.NewHarness(serverSock)
	clientSock := runtimex.PanicOnError1(pkttest.ListenAsyncUDPSocket(
		ctx, clientStack, net.JoinHostPort(*clientAddr, "0")))
	client := pkttest.NewHarness(clientSock)

	// 7. run the probe and print the results
	result := probeMain(client, server, *count, *size, *interval, *timeout)
	printResult(output, result)

	// 8. shut down and wait for the router to flush the capture
	runtimex.PanicOnError0(client.Close())
	runtimex.PanicOnError0(server.Close())
	cancel()
	wg.Wait()
}
