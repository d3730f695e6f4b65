//
// SPDX-License-Identifier: BSD-3-Clause
//
// Adapted from: https://github.com/ooni/netem/blob/6e0d618f0cb48b96c78cd066e23cf3aa1208b1dd/pcap.go
//

package pkttest

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// pcapSnapshot is a packet snapshot.
type pcapSnapshot struct {
	// data is the data inside the snapshot.
	data []byte

	// length is the original length.
	length int

	// timestamp is the capture time.
	timestamp int64
}

// PcapTrace is an open pcap trace.
//
// Construct using [NewPcapTrace].
type PcapTrace struct {
	// cancel allows to cancel the background goroutine.
	cancel context.CancelFunc

	// clock timestamps the captured packets.
	clock Clock

	// dropped is the number of packets dropped.
	dropped atomic.Uint64

	// errch contains the error returned by the background goroutine.
	errch chan error

	// snaps contains the pending snapshots.
	snaps chan pcapSnapshot

	// once provides "once" semantics for Close.
	once sync.Once

	// snapSize is the number of bytes to capture.
	snapSize uint16

	// testCancellationDrainHook, if not nil, runs after cancellation
	// and before draining the pending snapshots.
	testCancellationDrainHook func()

	// wc is the open writer we're using.
	wc io.WriteCloser
}

// PcapTraceOption is an option for [NewPcapTrace].
type PcapTraceOption func(cfg *pcapTraceConfig)

type pcapTraceConfig struct {
	buffer int
	clock  Clock
}

// DefaultPcapTraceBuffer is the default number of snapshots buffered
// while waiting to write them.
const DefaultPcapTraceBuffer = 4096

// PcapTraceOptionBuffer sets the number of buffered snapshots.
// The default is [DefaultPcapTraceBuffer].
func PcapTraceOptionBuffer(size int) PcapTraceOption {
	return func(cfg *pcapTraceConfig) {
		cfg.buffer = size
	}
}

// PcapTraceOptionClock sets the [Clock] used to timestamp packets, which
// allows captures taken under a [*SimulatedClock] to show simulated time.
// The default is [RealClock].
func PcapTraceOptionClock(clock Clock) PcapTraceOption {
	return func(cfg *pcapTraceConfig) {
		cfg.clock = clock
	}
}

// NewPcapTrace creates a new [*PcapTrace] instance.
func NewPcapTrace(wc io.WriteCloser, snapSize uint16, options ...PcapTraceOption) *PcapTrace {
	cfg := &pcapTraceConfig{
		buffer: DefaultPcapTraceBuffer,
		clock:  RealClock{},
	}
	for _, opt := range options {
		opt(cfg)
	}

	// Initialize the trace struct
	ctx, cancel := context.WithCancel(context.Background())
	tr := &PcapTrace{
		cancel:   cancel,
		clock:    cfg.clock,
		dropped:  atomic.Uint64{},
		errch:    make(chan error, 1),
		snaps:    make(chan pcapSnapshot, cfg.buffer),
		once:     sync.Once{},
		snapSize: snapSize,
		wc:       wc,
	}

	// Start the worker and return
	go tr.saveLoop(ctx)
	return tr
}

// Dump captures the given raw IPv4/IPv6 packet using the trace clock.
func (tr *PcapTrace) Dump(packet []byte) {
	tr.DumpFrame(VNICFrame{Packet: packet})
}

// DumpFrame captures a [VNICFrame] using its transmit timestamp, or the
// trace clock when the frame is not stamped.
func (tr *PcapTrace) DumpFrame(frame VNICFrame) {
	timestamp := frame.Timestamp
	if timestamp <= 0 {
		timestamp = TimestampFromTime(tr.clock.Now())
	}
	snapSize := min(len(frame.Packet), int(tr.snapSize))
	snap := pcapSnapshot{
		data:      append([]byte{}, frame.Packet[:snapSize]...),
		length:    len(frame.Packet),
		timestamp: timestamp,
	}
	select {
	case tr.snaps <- snap:
	default:
		tr.dropped.Add(1)
	}
}

// Dropped returns the number of packets dropped due to buffer overflow.
//
// Packets are dropped when Dump is called but the internal buffer is full.
// This happens when disk I/O cannot keep up with packet capture rate.
func (tr *PcapTrace) Dropped() uint64 {
	return tr.dropped.Load()
}

// saveLoop is the loop that dumps packets
func (tr *PcapTrace) saveLoop(ctx context.Context) {
	// Write the PCAP header
	w := pcapgo.NewWriter(tr.wc)
	if err := w.WriteFileHeader(uint32(tr.snapSize), layers.LinkTypeRaw); err != nil {
		tr.errch <- err
		return
	}

	// Loop until we're done and write each entry, making
	// sure we drain the buffer on exit.
	for {
		snap, ok := tr.readOrDrain(ctx)
		if !ok {
			tr.errch <- nil
			return
		}
		if err := tr.savePacket(w, snap); err != nil {
			tr.errch <- err
			return
		}
	}
}

// readOrDrain returns the next snapshot. After ctx is done, it only
// returns the snapshots already buffered and then returns false.
func (tr *PcapTrace) readOrDrain(ctx context.Context) (pcapSnapshot, bool) {
	select {
	case snap := <-tr.snaps:
		return snap, true
	case <-ctx.Done():
		if tr.testCancellationDrainHook != nil {
			tr.testCancellationDrainHook()
		}
		select {
		case snap := <-tr.snaps:
			return snap, true
		default:
			return pcapSnapshot{}, false
		}
	}
}

func (tr *PcapTrace) savePacket(w *pcapgo.Writer, snap pcapSnapshot) error {
	ci := gopacket.CaptureInfo{
		Timestamp:      timeFromTimestamp(snap.timestamp),
		CaptureLength:  len(snap.data),
		Length:         snap.length,
		InterfaceIndex: 0,
		AncillaryData:  []any{},
	}
	return w.WritePacket(ci, snap.data)
}

// Close interrupts the background goroutine and waits for it to join
// before closing the packet capture file.
func (tr *PcapTrace) Close() (err error) {
	tr.once.Do(func() {
		// notify the background goroutine to terminate
		tr.cancel()

		// wait for the goroutine to terminate
		err1 := <-tr.errch

		// close the open capture file
		err2 := tr.wc.Close()

		// assemble a common error (nil on success)
		err = errors.Join(err1, err2)
	})
	return
}
