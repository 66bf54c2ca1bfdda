package ppp_test

import (
	"net"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/codelaboratoryltd/packetmodem/pkg/ppp"
)

var _ = Describe("IPCP", func() {
	var (
		cfg    ppp.Config
		link   *ppp.Link
		sender *fakeSender
	)

	BeforeEach(func() {
		cfg = testConfig()
		cfg.DNS[0] = net.IPv4(10, 0, 2, 3)
		cfg.SubnetMask = net.IPv4(255, 255, 255, 0)
	})

	JustBeforeEach(func() {
		link, sender = newTestLink(cfg, ppp.Hooks{})
	})

	It("should drop IPCP before the network phase", func() {
		input(link, ppp.ProtocolIPCP, ppp.CodeConfigRequest, 1, ipOpt(ppp.IPCPOptIPAddress, net.IPv4zero))
		Expect(sender.sent).To(BeEmpty())
	})

	Context("once LCP is open without authentication", func() {
		JustBeforeEach(func() {
			openLCP(link, sender)
			Expect(link.NetworkPhase()).To(BeTrue())
		})

		It("should Nak a zero address with the configured default, then Ack it", func() {
			input(link, ppp.ProtocolIPCP, ppp.CodeConfigRequest, 1, ipOpt(ppp.IPCPOptIPAddress, net.IPv4zero))

			reply := sender.takeOne(ppp.ProtocolIPCP)
			Expect(reply.Code).To(Equal(uint8(ppp.CodeConfigNak)))
			Expect(reply.Data).To(Equal(append([]byte{ppp.IPCPOptIPAddress, 6}, addr(cfg.DefaultIP)...)))
			Expect(link.IPCP().Phase(ppp.Recv)).NotTo(Equal(ppp.Open))

			input(link, ppp.ProtocolIPCP, ppp.CodeConfigRequest, 2, ipOpt(ppp.IPCPOptIPAddress, cfg.DefaultIP))
			ack := sender.takeOne(ppp.ProtocolIPCP)
			Expect(ack.Code).To(Equal(uint8(ppp.CodeConfigAck)))
			Expect(link.IPCP().Phase(ppp.Recv)).To(Equal(ppp.Open))
			Expect(link.IPCP().Negotiated(ppp.Recv).IP.Equal(cfg.DefaultIP)).To(BeTrue())

			Expect(link.IPOpen()).To(BeFalse())
			req := ourRequest(link, sender, ppp.ProtocolIPCP)
			Expect(req.Data).To(Equal(append([]byte{ppp.IPCPOptIPAddress, 6}, addr(cfg.ServerIP)...)))
			ackOurs(link, ppp.ProtocolIPCP, req)

			Expect(link.IPOpen()).To(BeTrue())
			Expect(link.Input(ppp.ProtocolIP, []byte{0x45})).To(BeTrue())
		})

		It("should Nak an address other than the assigned one", func() {
			input(link, ppp.ProtocolIPCP, ppp.CodeConfigRequest, 1, ipOpt(ppp.IPCPOptIPAddress, net.IPv4(192, 168, 1, 9)))
			reply := sender.takeOne(ppp.ProtocolIPCP)
			Expect(reply.Code).To(Equal(uint8(ppp.CodeConfigNak)))
		})

		It("should fill in DNS and subnet mask and reject what it cannot offer", func() {
			input(link, ppp.ProtocolIPCP, ppp.CodeConfigRequest, 1,
				ipOpt(ppp.IPCPOptPrimaryDNS, net.IPv4zero),
				ipOpt(ppp.IPCPOptSubnetMask, net.IPv4zero),
			)
			reply := sender.takeOne(ppp.ProtocolIPCP)
			Expect(reply.Code).To(Equal(uint8(ppp.CodeConfigNak)))
			opts, _ := ppp.ParseOptions(reply.Data)
			Expect(opts).To(ConsistOf(
				ipOpt(ppp.IPCPOptPrimaryDNS, cfg.DNS[0]),
				ipOpt(ppp.IPCPOptSubnetMask, cfg.SubnetMask),
			))

			input(link, ppp.ProtocolIPCP, ppp.CodeConfigRequest, 2,
				ipOpt(ppp.IPCPOptSecondaryNBNS, net.IPv4zero),
				ppp.Option{Type: 2, Data: []byte{0x00, 0x2d, 0x0f, 0x01}},
			)
			reply = sender.takeOne(ppp.ProtocolIPCP)
			Expect(reply.Code).To(Equal(uint8(ppp.CodeConfigReject)))
			opts, _ = ppp.ParseOptions(reply.Data)
			Expect(opts).To(HaveLen(2))
		})

		It("should Reject a zero address when there is nothing to assign", func() {
			cfg.DefaultIP = nil
			link, sender = newTestLink(cfg, ppp.Hooks{})
			openLCP(link, sender)

			input(link, ppp.ProtocolIPCP, ppp.CodeConfigRequest, 1, ipOpt(ppp.IPCPOptIPAddress, net.IPv4zero))
			Expect(sender.takeOne(ppp.ProtocolIPCP).Code).To(Equal(uint8(ppp.CodeConfigReject)))
		})

		It("should adopt the address the guest Naks on our request", func() {
			req := ourRequest(link, sender, ppp.ProtocolIPCP)
			input(link, ppp.ProtocolIPCP, ppp.CodeConfigNak, req.Identifier, ipOpt(ppp.IPCPOptIPAddress, net.IPv4(10, 0, 2, 2)))

			next := sender.takeOne(ppp.ProtocolIPCP)
			Expect(next.Data).To(Equal(append([]byte{ppp.IPCPOptIPAddress, 6}, 10, 0, 2, 2)))
		})

		It("should answer Terminate-Request and close", func() {
			input(link, ppp.ProtocolIPCP, ppp.CodeConfigRequest, 1, ipOpt(ppp.IPCPOptIPAddress, cfg.DefaultIP))
			sender.take(ppp.ProtocolIPCP)

			input(link, ppp.ProtocolIPCP, ppp.CodeTermRequest, 3)
			Expect(sender.takeOne(ppp.ProtocolIPCP).Code).To(Equal(uint8(ppp.CodeTermAck)))
			Expect(link.IPCP().Phase(ppp.Recv)).To(Equal(ppp.Closed))
		})

		It("should keep retrying its own request", func() {
			first := ourRequest(link, sender, ppp.ProtocolIPCP)
			link.Tick(cfg.NCPRetry)
			second := sender.takeOne(ppp.ProtocolIPCP)
			Expect(second.Identifier).To(Equal(first.Identifier + 1))

			link.Tick(time.Millisecond)
			Expect(sender.take(ppp.ProtocolIPCP)).To(BeEmpty())
		})
	})
})
