package ppp_test

import (
	"math/rand"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/codelaboratoryltd/packetmodem/pkg/ppp"
)

func nodeOpt(n ppp.Node) ppp.Option {
	return ppp.Option{Type: ppp.IPXCPOptNode, Data: append([]byte(nil), n[:]...)}
}

var _ = Describe("IPX node numbers", func() {
	server := ppp.Node{0, 0, 0, 0, 0, 1}

	It("should never step onto a reserved node", func() {
		rng := rand.New(rand.NewSource(7))
		starts := []ppp.Node{
			ppp.NullNode,
			server,
			{0xff, 0xff, 0xff, 0xff, 0xff, 0xfe},
			ppp.BroadcastNode,
		}
		for i := 0; i < 200; i++ {
			var n ppp.Node
			rng.Read(n[:])
			starts = append(starts, n)
		}

		for _, n := range starts {
			for step := 0; step < 5; step++ {
				n = ppp.NextNode(n, server)
				Expect(ppp.ValidNode(n, server)).To(BeTrue(), "node %s", n)
			}
		}
	})

	It("should wrap past broadcast and skip null and server", func() {
		Expect(ppp.NextNode(ppp.Node{0xff, 0xff, 0xff, 0xff, 0xff, 0xfe}, server)).
			To(Equal(ppp.Node{0, 0, 0, 0, 0, 2}))
	})

	It("should build an echo probe", func() {
		probe := ppp.BuildEchoProbe(
			ppp.IPXAddr{Network: 0x42, Node: ppp.Node{2, 0, 0, 0, 0, 9}},
			ppp.IPXAddr{Network: 0x42, Node: server},
		)
		h, err := ppp.ParseIPXHeader(probe)
		Expect(err).NotTo(HaveOccurred())
		Expect(h.Length).To(Equal(uint16(len(probe))))
		Expect(h.PacketType).To(Equal(uint8(ppp.IPXTypeEcho)))
		Expect(h.Dst.Socket).To(Equal(uint16(ppp.IPXSocketEcho)))
		Expect(h.Dst.Node).To(Equal(ppp.Node{2, 0, 0, 0, 0, 9}))
		Expect(h.Src.Node).To(Equal(server))
	})
})

var _ = Describe("IPXCP", func() {
	var (
		cfg      ppp.Config
		link     *ppp.Link
		sender   *fakeSender
		probes   []ppp.Node
		inUse    map[ppp.Node]bool
		proposal = ppp.Node{0x02, 0xaa, 0xbb, 0xcc, 0xdd, 0x01}
	)

	request := func(id uint8, opts ...ppp.Option) {
		input(link, ppp.ProtocolIPXCP, ppp.CodeConfigRequest, id, opts...)
	}
	network := func(n uint32) ppp.Option {
		return ppp.Option{Type: ppp.IPXCPOptNetwork, Data: u32(n)}
	}

	BeforeEach(func() {
		probes = nil
		inUse = map[ppp.Node]bool{}
		cfg = testConfig()
		cfg.EnableIPCP = false
		cfg.EnableIPXCP = true
		link, sender = newTestLink(cfg, ppp.Hooks{
			SendIPXProbe: func(network uint32, node ppp.Node) { probes = append(probes, node) },
			NodeInUse:    func(node ppp.Node) bool { return inUse[node] },
		})
		openLCP(link, sender)
	})

	It("should Nak a wrong network with the configured one", func() {
		request(1, network(0x99))
		reply := sender.takeOne(ppp.ProtocolIPXCP)
		Expect(reply.Code).To(Equal(uint8(ppp.CodeConfigNak)))
		Expect(reply.Data).To(Equal(append([]byte{ppp.IPXCPOptNetwork, 6}, u32(0x42)...)))
	})

	It("should Nak a null node with the session's node", func() {
		link.SetNodeHint(ppp.Node{0, 0, 0, 0, 0, 7})
		request(1, network(0x42), nodeOpt(ppp.NullNode))
		reply := sender.takeOne(ppp.ProtocolIPXCP)
		Expect(reply.Code).To(Equal(uint8(ppp.CodeConfigNak)))
		Expect(reply.Data).To(Equal([]byte{ppp.IPXCPOptNode, 8, 0, 0, 0, 0, 0, 7}))
	})

	It("should Nak the server node with the next valid one", func() {
		request(1, nodeOpt(cfg.ServerNode))
		reply := sender.takeOne(ppp.ProtocolIPXCP)
		Expect(reply.Code).To(Equal(uint8(ppp.CodeConfigNak)))
		Expect(reply.Data).To(Equal([]byte{ppp.IPXCPOptNode, 8, 0, 0, 0, 0, 0, 2}))
	})

	It("should allow only the none routing protocol", func() {
		request(1, ppp.Option{Type: ppp.IPXCPOptRouting, Data: u16(2)})
		reply := sender.takeOne(ppp.ProtocolIPXCP)
		Expect(reply.Code).To(Equal(uint8(ppp.CodeConfigNak)))
		Expect(reply.Data).To(Equal([]byte{ppp.IPXCPOptRouting, 4, 0, 0}))
	})

	It("should accept a node after an unanswered probe", func() {
		request(1, network(0x42), nodeOpt(proposal))
		Expect(sender.take(ppp.ProtocolIPXCP)).To(BeEmpty())
		Expect(probes).To(Equal([]ppp.Node{proposal}))
		Expect(link.IPXCP().Status()).To(Equal(ppp.ProbeProbing))

		// a retransmission during the probe is held, not answered
		request(2, network(0x42), nodeOpt(proposal))
		Expect(sender.take(ppp.ProtocolIPXCP)).To(BeEmpty())

		link.Tick(1400 * time.Millisecond)
		Expect(link.IPXCP().Status()).To(Equal(ppp.ProbeProbing))
		link.Tick(100 * time.Millisecond)
		Expect(link.IPXCP().Status()).To(Equal(ppp.ProbeCommitted))

		var ack *ppp.Packet
		for _, p := range sender.take(ppp.ProtocolIPXCP) {
			if p.Code == ppp.CodeConfigAck {
				ack = p
			}
		}
		Expect(ack).NotTo(BeNil())
		Expect(ack.Identifier).To(Equal(uint8(2)))
		Expect(link.IPXCP().Phase(ppp.Recv)).To(Equal(ppp.Open))

		netNum, node := link.GuestIPX()
		Expect(netNum).To(Equal(uint32(0x42)))
		Expect(node).To(Equal(proposal))
	})

	It("should Nak the next node when the probe is answered", func() {
		request(1, network(0x42), nodeOpt(proposal))
		link.ObserveIPX(0x42, proposal)
		Expect(link.IPXCP().Status()).To(Equal(ppp.ProbeCollision))

		link.Tick(10 * time.Millisecond)
		var reply *ppp.Packet
		for _, p := range sender.take(ppp.ProtocolIPXCP) {
			if p.Identifier == 1 {
				reply = p
			}
		}
		Expect(reply).NotTo(BeNil())
		Expect(reply.Code).To(Equal(uint8(ppp.CodeConfigNak)))
		next := ppp.NextNode(proposal, cfg.ServerNode)
		Expect(reply.Data).To(Equal(append([]byte{ppp.IPXCPOptNode, 8}, next[:]...)))
	})

	It("should ignore unrelated IPX traffic while probing", func() {
		request(1, nodeOpt(proposal))
		link.ObserveIPX(0x42, ppp.Node{9, 9, 9, 9, 9, 9})
		Expect(link.IPXCP().Status()).To(Equal(ppp.ProbeProbing))
	})

	It("should Nak a node held by another local session without probing", func() {
		inUse[proposal] = true
		request(1, nodeOpt(proposal))
		Expect(probes).To(BeEmpty())
		Expect(sender.takeOne(ppp.ProtocolIPXCP).Code).To(Equal(uint8(ppp.CodeConfigNak)))
	})

	It("should open both directions and allow IPX relay", func() {
		request(1, network(0x42), nodeOpt(proposal))
		link.Tick(cfg.ProbeTimeout)
		sender.take(ppp.ProtocolIPXCP)
		Expect(link.IPXCP().Phase(ppp.Recv)).To(Equal(ppp.Open))

		req := ourRequest(link, sender, ppp.ProtocolIPXCP)
		opts, _ := ppp.ParseOptions(req.Data)
		Expect(opts).To(ContainElement(nodeOpt(cfg.ServerNode)))
		ackOurs(link, ppp.ProtocolIPXCP, req)

		Expect(link.IPXOpen()).To(BeTrue())
		Expect(link.IPOpen()).To(BeFalse())
	})
})
