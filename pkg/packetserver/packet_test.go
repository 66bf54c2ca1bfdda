package packetserver

import (
	"net"
	"time"

	"github.com/google/gopacket/layers"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/codelaboratoryltd/packetmodem/pkg/framing"
	"github.com/codelaboratoryltd/packetmodem/pkg/pktbuf"
	"github.com/codelaboratoryltd/packetmodem/pkg/ppp"
	"github.com/codelaboratoryltd/packetmodem/pkg/relay"
)

func slipWrite(port *Port, payload []byte) {
	var buf pktbuf.Buffer
	framing.EncodeSLIP(&buf, payload)
	ExpectWithOffset(1, port.GuestWrite(buf.Bytes())).To(Equal(buf.Len()))
}

func slipRead(port *Port) [][]byte {
	buf := make([]byte, DefaultQueueSize)
	n := port.GuestRead(buf)
	return framing.DecodeSLIP(buf[:n])
}

var _ = Describe("Packet transfer", func() {
	var (
		cfg  Config
		h    *harness
		port *Port
	)

	BeforeEach(func() {
		cfg = testConfig()
	})

	JustBeforeEach(func() {
		h = newHarness(cfg)
		port, _ = h.dial("com1")
		readAll(port)
	})

	Context("in SLIP mode", func() {
		JustBeforeEach(func() {
			h.login(port, "slip")
			h.poll(cfg.SlipDelay)
			readAll(port)
			Expect(h.mem.Sent()).To(BeEmpty())
		})

		It("should resolve the next hop before relaying", func() {
			pkt := udpPacket(guestIP, peerIP, "hello")
			slipWrite(port, pkt)
			h.poll(10 * time.Millisecond)

			sent := h.sent()
			Expect(sent).To(HaveLen(1))
			Expect(sent[0].Kind).To(Equal(relay.KindARP))
			Expect(net.IP(sent[0].ARP.DstProtAddress).Equal(peerIP)).To(BeTrue())
			Expect(net.IP(sent[0].ARP.SourceProtAddress).Equal(guestIP)).To(BeTrue())

			h.inject(arpReplyFrame(peerIP, peerMAC, guestIP))
			h.poll(10 * time.Millisecond)

			sent = h.sent()
			Expect(sent).To(HaveLen(1))
			Expect(sent[0].Kind).To(Equal(relay.KindIPv4))
			Expect(sent[0].DstMAC).To(Equal(peerMAC))
			Expect(sent[0].Payload).To(Equal(pkt))
			Expect(h.rec.has("arp:resolved")).To(BeTrue())
		})

		It("should deliver LAN packets for the guest's address", func() {
			pkt := udpPacket(peerIP, guestIP, "reply")
			h.inject(ethernetFrame(serverMAC, peerMAC, layers.EthernetTypeIPv4, pkt))
			h.poll(10 * time.Millisecond)

			frames := slipRead(port)
			Expect(frames).To(HaveLen(1))
			Expect(frames[0]).To(Equal(pkt))
		})

		It("should ignore packets for other addresses", func() {
			pkt := udpPacket(peerIP, net.IPv4(10, 0, 2, 50).To4(), "not yours")
			h.inject(ethernetFrame(serverMAC, peerMAC, layers.EthernetTypeIPv4, pkt))
			h.poll(10 * time.Millisecond)
			Expect(slipRead(port)).To(BeEmpty())
		})

		It("should discard a frame while the slot is still occupied", func() {
			pkt := udpPacket(peerIP, guestIP, "one")
			h.inject(ethernetFrame(serverMAC, peerMAC, layers.EthernetTypeIPv4, pkt))
			h.inject(ethernetFrame(serverMAC, peerMAC, layers.EthernetTypeIPv4, udpPacket(peerIP, guestIP, "two")))
			Expect(h.rec.has("discard:slot_busy")).To(BeTrue())

			h.poll(10 * time.Millisecond)
			Expect(slipRead(port)).To(Equal([][]byte{pkt}))
		})

		It("should answer ARP requests for the guest", func() {
			eth := &layers.Ethernet{DstMAC: layers.EthernetBroadcast, SrcMAC: peerMAC, EthernetType: layers.EthernetTypeARP}
			arp := &layers.ARP{
				AddrType:          layers.LinkTypeEthernet,
				Protocol:          layers.EthernetTypeIPv4,
				HwAddressSize:     6,
				ProtAddressSize:   4,
				Operation:         layers.ARPRequest,
				SourceHwAddress:   peerMAC,
				SourceProtAddress: peerIP,
				DstHwAddress:      make([]byte, 6),
				DstProtAddress:    guestIP,
			}
			h.inject(serialize(eth, arp))
			h.poll(10 * time.Millisecond)

			sent := h.sent()
			Expect(sent).To(HaveLen(1))
			Expect(sent[0].Kind).To(Equal(relay.KindARP))
			Expect(sent[0].ARP.Operation).To(Equal(uint16(layers.ARPReply)))
			Expect(net.HardwareAddr(sent[0].ARP.SourceHwAddress)).To(Equal(serverMAC))
		})

		It("should hang up and free the slot when the guest drops the line", func() {
			port.Hangup()
			h.poll(10 * time.Millisecond)
			Expect(h.rec.has("closed:hangup")).To(BeTrue())
			Expect(h.srv.Sessions()).To(BeEmpty())
		})
	})

	Context("in raw Ethernet mode", func() {
		guestMAC := net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0xaa}

		JustBeforeEach(func() {
			h.login(port, "ether")
			h.poll(cfg.SlipDelay)
			readAll(port)
		})

		It("should pass frames through and learn the guest's MAC", func() {
			out := ethernetFrame(peerMAC, guestMAC, layers.EthernetTypeIPv4, udpPacket(guestIP, peerIP, "raw"))
			slipWrite(port, out)
			h.poll(10 * time.Millisecond)
			Expect(h.mem.Sent()).To(Equal([][]byte{out}))
			Expect(h.session(0).guestMAC).To(Equal(guestMAC))

			in := ethernetFrame(guestMAC, peerMAC, layers.EthernetTypeIPv4, udpPacket(peerIP, guestIP, "back"))
			h.inject(in)
			h.poll(10 * time.Millisecond)
			Expect(slipRead(port)).To(Equal([][]byte{in}))
		})
	})

	Context("in IPX SLIP mode", func() {
		peerNode := ppp.Node{0x02, 0x00, 0x00, 0x00, 0x00, 0x99}

		BeforeEach(func() {
			cfg.EnableIPX = true
			cfg.IPXNetwork = 0x42
		})

		JustBeforeEach(func() {
			h.login(port, "ipxslip")
			Expect(readAll(port)).To(ContainSubstring("IPX node: 00:00:00:00:00:02\r\n"))
			h.poll(cfg.SlipDelay)
		})

		It("should give the guest the first free node", func() {
			Expect(h.session(0).ipxNode).To(Equal(ppp.Node{0, 0, 0, 0, 0, 2}))
		})

		It("should relay IPX both ways", func() {
			guest := ppp.IPXAddr{Network: 0x42, Node: ppp.Node{0, 0, 0, 0, 0, 2}}
			peer := ppp.IPXAddr{Network: 0x42, Node: peerNode}

			slipWrite(port, ppp.BuildEchoProbe(peer, guest))
			h.poll(10 * time.Millisecond)
			sent := h.sent()
			Expect(sent).To(HaveLen(1))
			Expect(sent[0].Kind).To(Equal(relay.KindIPX))
			Expect(sent[0].IPX.Src.Node).To(Equal(guest.Node))

			back := ppp.BuildEchoProbe(guest, peer)
			frame, err := relay.WrapIPX(relay.FrameEthernetII, peerMAC, back)
			Expect(err).NotTo(HaveOccurred())
			h.inject(frame)
			h.poll(10 * time.Millisecond)
			Expect(slipRead(port)).To(Equal([][]byte{back}))
		})
	})

	Context("in PPP mode", func() {
		var g *pppGuest

		JustBeforeEach(func() {
			h.login(port, "ppp")
			Expect(readAll(port)).To(HaveSuffix(msgReady))
			g = &pppGuest{h: h, port: port}
		})

		openLCP := func() {
			g.send(ppp.ProtocolLCP, ppp.CodeConfigRequest, 1)
			g.awaitPacket(ppp.ProtocolLCP, ppp.CodeConfigAck)
			req := g.awaitPacket(ppp.ProtocolLCP, ppp.CodeConfigRequest)
			g.ack(ppp.ProtocolLCP, req)
			h.poll(10 * time.Millisecond)
			Expect(h.session(0).link.NetworkPhase()).To(BeTrue())
		}

		It("should assign the default address over IPCP and relay IP", func() {
			openLCP()

			g.send(ppp.ProtocolIPCP, ppp.CodeConfigRequest, 1, ipOpt(ppp.IPCPOptIPAddress, net.IPv4zero))
			nak := g.awaitPacket(ppp.ProtocolIPCP, ppp.CodeConfigNak)
			Expect(nak.Data).To(Equal(ppp.SerializeOptions([]ppp.Option{ipOpt(ppp.IPCPOptIPAddress, guestIP)})))

			g.send(ppp.ProtocolIPCP, ppp.CodeConfigRequest, 2, ipOpt(ppp.IPCPOptIPAddress, guestIP))
			g.awaitPacket(ppp.ProtocolIPCP, ppp.CodeConfigAck)
			req := g.awaitPacket(ppp.ProtocolIPCP, ppp.CodeConfigRequest)
			g.ack(ppp.ProtocolIPCP, req)
			h.poll(10 * time.Millisecond)

			Expect(h.session(0).link.IPOpen()).To(BeTrue())
			Expect(h.srv.Sessions()[0].IP.Equal(guestIP)).To(BeTrue())
			Expect(h.rec.has("negotiation:IPCP:opened")).To(BeTrue())

			pkt := udpPacket(guestIP, peerIP, "over ppp")
			g.sendFrame(ppp.ProtocolIP, pkt)
			h.poll(10 * time.Millisecond)
			sent := h.sent()
			Expect(sent).To(HaveLen(1))
			Expect(sent[0].Kind).To(Equal(relay.KindARP))

			h.inject(arpReplyFrame(peerIP, peerMAC, guestIP))
			h.poll(10 * time.Millisecond)
			sent = h.sent()
			Expect(sent).To(HaveLen(1))
			Expect(sent[0].Payload).To(Equal(pkt))

			in := udpPacket(peerIP, guestIP, "back over ppp")
			h.inject(ethernetFrame(serverMAC, peerMAC, layers.EthernetTypeIPv4, in))
			got := g.await(ppp.ProtocolIP, 0)
			Expect(got.payload).To(Equal(in))
		})

		It("should not relay IP before IPCP opens", func() {
			openLCP()
			g.sendFrame(ppp.ProtocolIP, udpPacket(guestIP, peerIP, "early"))
			h.poll(10 * time.Millisecond)
			Expect(h.mem.Sent()).To(BeEmpty())
		})
	})

	Context("with PPP auto-detection", func() {
		BeforeEach(func() {
			cfg.AutoDetectPPP = true
		})

		It("should start PPP from the username prompt and demand PAP", func() {
			g := &pppGuest{h: h, port: port}
			g.send(ppp.ProtocolLCP, ppp.CodeConfigRequest, 1)
			h.poll(10 * time.Millisecond)
			Expect(h.srv.Sessions()[0].Mode).To(Equal(ModePPP))
			Expect(h.srv.Sessions()[0].Stage).To(Equal(StagePacket))

			g.awaitPacket(ppp.ProtocolLCP, ppp.CodeConfigAck)
			req := g.awaitPacket(ppp.ProtocolLCP, ppp.CodeConfigRequest)
			opts, err := ppp.ParseOptions(req.Data)
			Expect(err).NotTo(HaveOccurred())
			Expect(opts).To(ContainElement(ppp.Option{Type: ppp.LCPOptAuthProto, Data: []byte{0xc0, 0x23}}))
		})
	})
})

var _ = Describe("Mailbox", func() {
	It("should hold one frame and drop a second until the guest drains it", func() {
		h := newHarness(testConfig())
		port := NewPort("com1", 8)
		_, err := h.srv.Connect(port)
		Expect(err).NotTo(HaveOccurred())

		s := h.session(0)
		Expect(s.Busy()).To(BeTrue())
		s.SendPPP(ppp.ProtocolLCP, []byte{ppp.CodeEchoRequest, 1, 0, 4})
		Expect(h.rec.has("discard:mailbox_full")).To(BeTrue())

		var got []byte
		buf := make([]byte, 8)
		for i := 0; i < 10 && s.Busy(); i++ {
			got = append(got, buf[:port.GuestRead(buf)]...)
			h.poll(10 * time.Millisecond)
		}
		got = append(got, buf[:port.GuestRead(buf)]...)
		Expect(s.Busy()).To(BeFalse())
		Expect(string(got)).To(Equal("\r\nWelcome\r\nUsername: "))
	})
})
