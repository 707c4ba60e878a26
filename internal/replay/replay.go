// Package replay re-runs the estimator over sensor traffic captured as UDP
// packets in a pcap file, with time taken from the capture rather than the
// wall clock.
package replay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/vehicle-state/internal/estimation"
	"github.com/banshee-data/vehicle-state/internal/sensors"
	"github.com/banshee-data/vehicle-state/internal/serialmux"
	"github.com/banshee-data/vehicle-state/internal/timeutil"
)

// Ticker runs one estimation step. *pipeline.Loop implements it.
type Ticker interface {
	Tick(now time.Time) estimation.Estimate
}

// Config configures a replay.
type Config struct {
	// UDPPort keeps only packets sent to this port. Zero keeps all UDP.
	UDPPort int

	// Period is the estimation tick interval in capture time.
	Period time.Duration

	// SpeedMultiplier paces the replay against the wall clock (1.0 =
	// real-time). Zero replays as fast as possible.
	SpeedMultiplier float64
}

// Stats summarises a replay.
type Stats struct {
	Packets  int
	Lines    int
	BadLines int
	Ticks    int
}

// Replayer feeds captured sensor lines into a cache and ticks the estimator
// whenever capture time crosses a period boundary.
type Replayer struct {
	cfg    Config
	cache  *sensors.Cache
	clock  *timeutil.MockClock
	ticker Ticker
}

// New returns a Replayer. cache must have been created with clock so that
// sample timestamps follow capture time.
func New(cfg Config, cache *sensors.Cache, clock *timeutil.MockClock, ticker Ticker) (*Replayer, error) {
	if cfg.Period <= 0 {
		return nil, errors.New("replay period must be positive")
	}
	if cache == nil || clock == nil || ticker == nil {
		return nil, errors.New("replay needs a cache, clock and ticker")
	}
	return &Replayer{cfg: cfg, cache: cache, clock: clock, ticker: ticker}, nil
}

// Run reads a pcap stream to the end. It returns ctx.Err() if cancelled.
func (rp *Replayer) Run(ctx context.Context, r io.Reader) (Stats, error) {
	var st Stats
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return st, fmt.Errorf("failed to read pcap header: %w", err)
	}
	src := gopacket.NewPacketSource(pr, pr.LinkType())
	src.NoCopy = true

	var first, last, nextTick time.Time
	wallStart := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		packet, err := src.NextPacket()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// A truncated trailing record ends the capture.
			log.Printf("[replay] stopping at packet %d: %v", st.Packets+1, err)
			break
		}

		payload, ok := rp.udpPayload(packet)
		if !ok {
			continue
		}
		st.Packets++

		ts := packet.Metadata().Timestamp
		if first.IsZero() {
			first = ts
			nextTick = ts.Add(rp.cfg.Period)
			rp.clock.Set(ts)
		}
		if ts.Before(last) {
			// Out-of-order capture: keep time monotonic.
			ts = last
		}
		last = ts

		for !nextTick.After(ts) {
			rp.clock.Set(nextTick)
			rp.ticker.Tick(nextTick)
			st.Ticks++
			nextTick = nextTick.Add(rp.cfg.Period)
		}
		rp.clock.Set(ts)

		if err := rp.pace(ctx, wallStart, ts.Sub(first)); err != nil {
			return st, err
		}

		for _, line := range bytes.Split(payload, []byte("\n")) {
			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}
			st.Lines++
			if err := serialmux.HandleEvent(rp.cache, string(line)); err != nil {
				st.BadLines++
			}
		}
	}

	log.Printf("[replay] %d packets, %d lines (%d rejected), %d ticks over %v of capture",
		st.Packets, st.Lines, st.BadLines, st.Ticks, last.Sub(first))
	return st, nil
}

func (rp *Replayer) udpPayload(packet gopacket.Packet) ([]byte, bool) {
	udpLayer := packet.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return nil, false
	}
	udp, ok := udpLayer.(*layers.UDP)
	if !ok || len(udp.Payload) == 0 {
		return nil, false
	}
	if rp.cfg.UDPPort != 0 && int(udp.DstPort) != rp.cfg.UDPPort {
		return nil, false
	}
	return udp.Payload, true
}

// pace sleeps until the wall clock catches up with the scaled capture offset.
func (rp *Replayer) pace(ctx context.Context, wallStart time.Time, offset time.Duration) error {
	if rp.cfg.SpeedMultiplier <= 0 {
		return nil
	}
	due := wallStart.Add(time.Duration(float64(offset) / rp.cfg.SpeedMultiplier))
	wait := time.Until(due)
	if wait <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}
