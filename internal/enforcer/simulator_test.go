// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package enforcer

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aced.dev/ace/internal/clock"
)

func TestSimulator_ApplyAndSnapshot(t *testing.T) {
	sim := NewSimulator(clock.NewMock(time.Unix(0, 0)))
	ctx := context.Background()

	res, err := sim.Apply(ctx, SynthesizeCaptive("aa:bb:cc:dd:ee:ff", "10.0.0.5", "sess-1"))
	require.NoError(t, err)
	assert.Len(t, res.Handles, 3)

	snap, err := sim.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap, 3)
}

func TestSimulator_RetractIsIdempotent(t *testing.T) {
	sim := NewSimulator(nil)
	ctx := context.Background()

	res, err := sim.Apply(ctx, SynthesizeGrant("aa:bb:cc:dd:ee:ff", "10.0.0.5", "sess-1"))
	require.NoError(t, err)

	rr, err := sim.Retract(ctx, res.Handles)
	require.NoError(t, err)
	assert.Len(t, rr.Retracted, 4)
	assert.Empty(t, rr.StillPresent)

	// Retracting again: every handle is now missing, not an error.
	rr2, err := sim.Retract(ctx, res.Handles)
	require.NoError(t, err)
	assert.Len(t, rr2.Missing, 4)
}

func TestSimulator_RetractRejectsCanceledContext(t *testing.T) {
	sim := NewSimulator(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := sim.Retract(ctx, []Handle{"h"})
	assert.Error(t, err)
}

func buildARPReply(senderMAC net.HardwareAddr, senderIP net.IP) gopacket.Packet {
	eth := &layers.Ethernet{
		SrcMAC:       senderMAC,
		DstMAC:       layers.EthernetBroadcast,
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPReply,
		SourceHwAddress:   senderMAC,
		SourceProtAddress: senderIP.To4(),
		DstHwAddress:      layers.EthernetBroadcast,
		DstProtAddress:    senderIP.To4(),
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	_ = gopacket.SerializeLayers(buf, opts, eth, arp)
	return gopacket.NewPacket(buf.Bytes(), layers.LayerTypeEthernet, gopacket.Default)
}

func TestSimulator_EvaluateARP_DetectsSpoof(t *testing.T) {
	sim := NewSimulator(nil)
	gatewayIP := net.ParseIP("10.0.0.1").To4()
	gatewayMAC, _ := net.ParseMAC("11:22:33:44:55:66")
	attackerMAC, _ := net.ParseMAC("aa:bb:cc:dd:ee:ff")

	spoofed := buildARPReply(attackerMAC, gatewayIP)
	drop, reason := sim.EvaluateARP(spoofed, gatewayIP, gatewayMAC)
	assert.True(t, drop)
	assert.NotEmpty(t, reason)

	legit := buildARPReply(gatewayMAC, gatewayIP)
	drop, _ = sim.EvaluateARP(legit, gatewayIP, gatewayMAC)
	assert.False(t, drop)

	unrelated := buildARPReply(attackerMAC, net.ParseIP("10.0.0.99").To4())
	drop, _ = sim.EvaluateARP(unrelated, gatewayIP, gatewayMAC)
	assert.False(t, drop)
}
