package audio

import (
	"testing"

	"github.com/miragekit/streamcore/packetizer"
	"github.com/miragekit/streamcore/protocol"
	"github.com/stretchr/testify/require"
)

func TestAACSingleDatagramRoundTrip(t *testing.T) {
	p := New(Config{MaxPacketSize: 256, StreamID: 9}, nil, nil)
	data := []byte("aac-access-unit-payload")

	var packets [][]byte
	n, err := p.Packetize(AccessUnit{Data: data, Codec: protocol.AudioCodecAAC, IsKeyframe: true}, func(pkt []byte) error {
		packets = append(packets, append([]byte(nil), pkt...))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, packets, 1)

	h, off, ok := protocol.UnmarshalAudioHeader(packets[0])
	require.True(t, ok)
	require.True(t, h.IsKeyframe())
	require.Equal(t, uint16(1), h.FragmentCount)
	require.Equal(t, data, packets[0][off:])
}

func TestAACOversizeAccessUnitDropped(t *testing.T) {
	dropped := 0
	p := New(Config{MaxPacketSize: protocol.AudioHeaderSize + 10, StreamID: 1}, func(streamID uint32, size int) {
		dropped++
	}, nil)

	n, err := p.Packetize(AccessUnit{Data: make([]byte, 50), Codec: protocol.AudioCodecAAC}, func([]byte) error {
		t.Fatal("send should not be called for a dropped access unit")
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Equal(t, 1, dropped)
}

func TestPCMFragmentsAlignOnSampleBoundary(t *testing.T) {
	p := New(Config{MaxPacketSize: protocol.AudioHeaderSize + 10, StreamID: 3}, nil, nil)
	data := make([]byte, 37)
	for i := range data {
		data[i] = byte(i)
	}

	var packets [][]byte
	_, err := p.Packetize(AccessUnit{Data: data, Codec: protocol.AudioCodecPCM, BytesPerFrame: 4}, func(pkt []byte) error {
		packets = append(packets, append([]byte(nil), pkt...))
		return nil
	})
	require.NoError(t, err)
	require.True(t, len(packets) > 1)

	for _, pkt := range packets[:len(packets)-1] {
		_, off, ok := protocol.UnmarshalAudioHeader(pkt)
		require.True(t, ok)
		require.Zero(t, (len(pkt)-off)%4, "every non-final PCM fragment is a multiple of the sample-frame size")
	}
}

func TestAudioAEADEncryptionZerosChecksum(t *testing.T) {
	var key [32]byte
	aead, err := packetizer.NewAEAD(key)
	require.NoError(t, err)

	p := New(Config{MaxPacketSize: 256, StreamID: 5}, nil, aead)
	var packets [][]byte
	_, err = p.Packetize(AccessUnit{Data: []byte("secret-audio"), Codec: protocol.AudioCodecAAC}, func(pkt []byte) error {
		packets = append(packets, append([]byte(nil), pkt...))
		return nil
	})
	require.NoError(t, err)
	require.Len(t, packets, 1)

	h, off, ok := protocol.UnmarshalAudioHeader(packets[0])
	require.True(t, ok)
	require.True(t, h.IsEncrypted())
	require.Zero(t, h.Checksum)
	require.Equal(t, int(h.PayloadLength)+protocol.AEADTagSize, len(packets[0])-off)
}

type collectingAudioSink struct {
	delivered [][]byte
}

func (c *collectingAudioSink) OnAudioAccessUnit(data []byte, header protocol.AudioHeader) {
	c.delivered = append(c.delivered, append([]byte(nil), data...))
}

func TestReceiverDeliversAACImmediately(t *testing.T) {
	sink := &collectingAudioSink{}
	r := NewReceiver(sink, nil)
	r.ProcessPacket([]byte("unit-1"), protocol.AudioHeader{FragmentCount: 1})
	require.Len(t, sink.delivered, 1)
	require.Equal(t, []byte("unit-1"), sink.delivered[0])
}

func TestReceiverReassemblesPCMInOrder(t *testing.T) {
	sink := &collectingAudioSink{}
	r := NewReceiver(sink, nil)

	r.ProcessPacket([]byte("AAAA"), protocol.AudioHeader{FragmentCount: 3, FragmentIndex: 0})
	r.ProcessPacket([]byte("BBBB"), protocol.AudioHeader{FragmentCount: 3, FragmentIndex: 1})
	r.ProcessPacket([]byte("CC"), protocol.AudioHeader{FragmentCount: 3, FragmentIndex: 2})

	require.Len(t, sink.delivered, 1)
	require.Equal(t, []byte("AAAABBBBCC"), sink.delivered[0])
}

func TestReceiverDesyncsOnOutOfOrderPCMFragment(t *testing.T) {
	sink := &collectingAudioSink{}
	reasons := 0
	r := NewReceiver(sink, func(reason string) { reasons++ })

	r.ProcessPacket([]byte("AAAA"), protocol.AudioHeader{FragmentCount: 3, FragmentIndex: 0})
	r.ProcessPacket([]byte("CC"), protocol.AudioHeader{FragmentCount: 3, FragmentIndex: 2})

	require.Equal(t, 1, reasons)
	require.Empty(t, sink.delivered)

	// A fresh access unit starting at index 0 recovers cleanly.
	r.ProcessPacket([]byte("DDDD"), protocol.AudioHeader{FragmentCount: 1, FragmentIndex: 0})
	require.Len(t, sink.delivered, 1)
}
