package packetserver

import (
	"context"
	"time"

	"github.com/google/gopacket/layers"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/codelaboratoryltd/packetmodem/pkg/capture"
	"github.com/codelaboratoryltd/packetmodem/pkg/ppp"
)

// stuckInterface never returns from Recv until released.
type stuckInterface struct {
	release chan struct{}
}

func (s *stuckInterface) Send([]byte) error { return nil }

func (s *stuckInterface) Recv([]byte) (int, error) {
	<-s.release
	return 0, capture.ErrClosed
}

func (s *stuckInterface) Close() error { return nil }

var _ = Describe("Server", func() {
	It("should reject a configuration without a MAC", func() {
		cfg := testConfig()
		cfg.MAC = nil
		_, err := NewServer(cfg, capture.NewMemory(0), nil, nil)
		Expect(err).To(MatchError(ErrConfig))
	})

	It("should reject an invalid IPX network", func() {
		cfg := testConfig()
		cfg.EnableIPX = true
		cfg.IPXNetwork = 0xffffffff
		_, err := NewServer(cfg, capture.NewMemory(0), nil, nil)
		Expect(err).To(MatchError(ErrConfig))
	})

	It("should report an unknown session", func() {
		h := newHarness(testConfig())
		Expect(h.srv.Disconnect("nobody")).To(MatchError(ErrUnknownSession))
	})

	It("should hand out distinct IPX nodes", func() {
		cfg := testConfig()
		cfg.EnableIPX = true
		cfg.IPXNetwork = 0x42
		h := newHarness(cfg)
		a, _ := h.dial("com1")
		b, _ := h.dial("com2")
		h.login(a, "ipxslip")
		h.login(b, "ipxslip")

		Expect(h.session(0).ipxNode).To(Equal(ppp.Node{0, 0, 0, 0, 0, 2}))
		Expect(h.session(1).ipxNode).To(Equal(ppp.Node{0, 0, 0, 0, 0, 3}))
		Expect(h.srv.nodeInUse(ppp.Node{0, 0, 0, 0, 0, 3}, h.session(0))).To(BeTrue())
		Expect(h.srv.nodeInUse(ppp.Node{0, 0, 0, 0, 0, 3}, h.session(1))).To(BeFalse())
	})

	It("should flag IPX traffic from a probed node", func() {
		h := newHarness(testConfig())
		h.dial("com1")
		node := ppp.Node{0x02, 0, 0, 0, 0, 0x10}
		h.srv.watchNode(0, node)

		probing, watched := h.srv.watchedNode(0)
		Expect(probing).To(BeTrue())
		Expect(watched).To(Equal(node))

		echo := ppp.BuildEchoProbe(ppp.IPXAddr{Network: 0x42, Node: ppp.BroadcastNode}, ppp.IPXAddr{Network: 0x42, Node: node})
		frame := ethernetFrame(layers.EthernetBroadcast, peerMAC, layers.EthernetType(0x8137), echo)
		h.inject(frame)
		Expect(h.srv.slots[0].probeHit).To(BeTrue())
	})

	It("should count slots", func() {
		h := newHarness(testConfig())
		h.dial("com1")
		stats := h.srv.PoolStats()
		Expect(stats.Capacity).To(Equal(8))
		Expect(stats.Allocated).To(Equal(1))
		Expect(stats.Free).To(Equal(7))
	})

	Context("with the capture thread running", func() {
		It("should feed captured frames to the session", func() {
			cfg := testConfig()
			h := newHarness(cfg)
			port, _ := h.dial("com1")
			h.login(port, "slip")
			h.poll(cfg.SlipDelay)
			readAll(port)

			Expect(h.srv.Start()).To(Succeed())
			Expect(h.srv.Start()).NotTo(Succeed())

			pkt := udpPacket(peerIP, guestIP, "captured")
			Expect(h.mem.Inject(ethernetFrame(serverMAC, peerMAC, layers.EthernetTypeIPv4, pkt))).To(BeTrue())
			Eventually(func() [][]byte {
				h.poll(10 * time.Millisecond)
				return slipRead(port)
			}).WithTimeout(2 * time.Second).Should(Equal([][]byte{pkt}))

			h.srv.Stop()
			h.srv.Stop()
		})

		It("should stop when the interface closes", func() {
			h := newHarness(testConfig())
			Expect(h.srv.Start()).To(Succeed())
			Expect(h.mem.Close()).To(Succeed())
			Eventually(func() bool {
				select {
				case <-h.srv.done:
					return true
				default:
					return false
				}
			}).Should(BeTrue())
		})

		It("should abandon a capture thread that does not exit", func() {
			iface := &stuckInterface{release: make(chan struct{})}
			DeferCleanup(func() { close(iface.release) })

			cfg := testConfig()
			cfg.StopTimeout = 50 * time.Millisecond
			srv, err := NewServer(cfg, iface, nil, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(srv.Start()).To(Succeed())

			start := time.Now()
			srv.Stop()
			Expect(time.Since(start)).To(BeNumerically("<", time.Second))
		})

		It("should poll until the context ends", func() {
			cfg := testConfig()
			h := newHarness(cfg)
			port, _ := h.dial("com1")
			readAll(port)
			typeText(port, "alice\r")

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- h.srv.Run(ctx) }()

			Eventually(func() string { return readAll(port) }).WithTimeout(2 * time.Second).
				Should(Equal("alice\r\nPassword: "))
			cancel()
			Eventually(done).Should(Receive(BeNil()))
		})
	})

	It("should describe sessions", func() {
		h := newHarness(testConfig())
		_, id := h.dial("com7")
		infos := h.srv.Sessions()
		Expect(infos).To(HaveLen(1))
		Expect(infos[0].ID).To(Equal(id))
		Expect(infos[0].Peer).To(Equal("com7"))
		Expect(infos[0].Mode).To(Equal(ModeNone))
		Expect(infos[0].IP).To(BeNil())
	})

	It("should classify outbound frames", func() {
		Expect(frameKind(ethernetFrame(peerMAC, serverMAC, layers.EthernetTypeARP, make([]byte, 28)))).To(Equal("arp"))
		Expect(frameKind([]byte{1, 2})).To(Equal("other"))
		Expect(frameKind(ethernetFrame(peerMAC, serverMAC, layers.EthernetType(0x8137), nil))).To(Equal("ipx"))
	})
})
