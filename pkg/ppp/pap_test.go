package ppp_test

import (
	"net"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/codelaboratoryltd/packetmodem/pkg/ppp"
)

func buildPAPRequest(id uint8, username, password string) []byte {
	data := []byte{uint8(len(username))}
	data = append(data, username...)
	data = append(data, uint8(len(password)))
	data = append(data, password...)
	return (&ppp.Packet{Code: ppp.PAPCodeAuthRequest, Identifier: id, Data: data}).Serialize()
}

var _ = Describe("PAP", func() {
	var (
		cfg    ppp.Config
		link   *ppp.Link
		sender *fakeSender
		auths  []string
	)

	hooks := func() ppp.Hooks {
		return ppp.Hooks{
			OnAuth: func(method, username string, ok bool) {
				result := "fail"
				if ok {
					result = "ok"
				}
				auths = append(auths, method+":"+username+":"+result)
			},
		}
	}

	BeforeEach(func() {
		auths = nil
		cfg = testConfig()
		cfg.RequireAuth = true
		cfg.Credentials = []ppp.Credential{
			{Username: "alice", Password: "wonderland", StaticIP: net.IPv4(10, 0, 2, 50)},
			{Username: "bob", Password: "builder"},
		}
	})

	Context("as authenticator of the guest", func() {
		BeforeEach(func() {
			link, sender = newTestLink(cfg, hooks())
			openLCP(link, sender)
			Expect(link.PAP().Required(ppp.Recv)).To(BeTrue())
			Expect(link.NetworkPhase()).To(BeFalse())
		})

		It("should Ack a matching credential and assign its static address", func() {
			link.Input(ppp.ProtocolPAP, buildPAPRequest(1, "alice", "wonderland"))

			reply := sender.takeOne(ppp.ProtocolPAP)
			Expect(reply.Code).To(Equal(uint8(ppp.PAPCodeAuthAck)))
			Expect(reply.Identifier).To(Equal(uint8(1)))
			Expect(link.PAP().Phase(ppp.Recv)).To(Equal(ppp.Open))
			Expect(link.PAP().Username()).To(Equal("alice"))
			Expect(link.AssignedIP().Equal(net.IPv4(10, 0, 2, 50))).To(BeTrue())
			Expect(link.NetworkPhase()).To(BeTrue())
			Expect(auths).To(Equal([]string{"local:alice:ok"}))
		})

		It("should fall back to the default address", func() {
			link.Input(ppp.ProtocolPAP, buildPAPRequest(1, "bob", "builder"))
			Expect(sender.takeOne(ppp.ProtocolPAP).Code).To(Equal(uint8(ppp.PAPCodeAuthAck)))
			Expect(link.AssignedIP().Equal(cfg.DefaultIP)).To(BeTrue())
		})

		It("should Nak when no credential matches", func() {
			link.Input(ppp.ProtocolPAP, buildPAPRequest(2, "alice", "wrong"))

			reply := sender.takeOne(ppp.ProtocolPAP)
			Expect(reply.Code).To(Equal(uint8(ppp.PAPCodeAuthNak)))
			Expect(link.PAP().Phase(ppp.Recv)).NotTo(Equal(ppp.Open))
			Expect(link.NetworkPhase()).To(BeFalse())
			Expect(auths).To(Equal([]string{"local:alice:fail"}))
		})

		It("should re-Ack a duplicate request after success", func() {
			link.Input(ppp.ProtocolPAP, buildPAPRequest(1, "alice", "wonderland"))
			sender.take(ppp.ProtocolPAP)

			link.Input(ppp.ProtocolPAP, buildPAPRequest(2, "alice", "wonderland"))
			reply := sender.takeOne(ppp.ProtocolPAP)
			Expect(reply.Code).To(Equal(uint8(ppp.PAPCodeAuthAck)))
			Expect(reply.Identifier).To(Equal(uint8(2)))
			Expect(auths).To(HaveLen(1))
		})

		It("should drop a structurally broken request", func() {
			bad := (&ppp.Packet{Code: ppp.PAPCodeAuthRequest, Identifier: 1, Data: []byte{10, 'a'}}).Serialize()
			link.Input(ppp.ProtocolPAP, bad)
			Expect(sender.take(ppp.ProtocolPAP)).To(BeEmpty())
		})
	})

	Context("with an empty credential entry", func() {
		It("should accept everyone", func() {
			cfg.Credentials = append([]ppp.Credential{{}}, cfg.Credentials...)
			link, sender = newTestLink(cfg, hooks())
			openLCP(link, sender)

			link.Input(ppp.ProtocolPAP, buildPAPRequest(1, "mallory", "x"))
			Expect(sender.takeOne(ppp.ProtocolPAP).Code).To(Equal(uint8(ppp.PAPCodeAuthAck)))
		})
	})

	Context("with a remote verifier", func() {
		var results chan ppp.AuthResult

		BeforeEach(func() {
			results = make(chan ppp.AuthResult, 1)
			cfg.RemoteAuth = func(username, password string) <-chan ppp.AuthResult {
				return results
			}
			link, sender = newTestLink(cfg, hooks())
			openLCP(link, sender)
		})

		It("should answer on a later tick once the verdict arrives", func() {
			link.Input(ppp.ProtocolPAP, buildPAPRequest(4, "carol", "secret"))
			Expect(sender.take(ppp.ProtocolPAP)).To(BeEmpty())

			link.Tick(10 * time.Millisecond)
			Expect(sender.take(ppp.ProtocolPAP)).To(BeEmpty())

			results <- ppp.AuthResult{OK: true, IP: net.IPv4(10, 0, 2, 77)}
			link.Tick(10 * time.Millisecond)

			reply := sender.takeOne(ppp.ProtocolPAP)
			Expect(reply.Code).To(Equal(uint8(ppp.PAPCodeAuthAck)))
			Expect(reply.Identifier).To(Equal(uint8(4)))
			Expect(link.AssignedIP().Equal(net.IPv4(10, 0, 2, 77))).To(BeTrue())
			Expect(auths).To(Equal([]string{"radius:carol:ok"}))
		})

		It("should Nak on a remote refusal", func() {
			link.Input(ppp.ProtocolPAP, buildPAPRequest(5, "carol", "bad"))
			results <- ppp.AuthResult{OK: false}
			link.Tick(10 * time.Millisecond)

			Expect(sender.takeOne(ppp.ProtocolPAP).Code).To(Equal(uint8(ppp.PAPCodeAuthNak)))
		})
	})

	Context("as client toward the guest", func() {
		BeforeEach(func() {
			cfg.RequireAuth = false
			cfg.PAPClient = ppp.Credential{Username: "modem", Password: "pw"}
			link, sender = newTestLink(cfg, hooks())
			openLCP(link, sender, ppp.Option{Type: ppp.LCPOptAuthProto, Data: u16(ppp.ProtocolPAP)})
		})

		It("should send the client credentials until acknowledged", func() {
			Expect(link.PAP().Required(ppp.Send)).To(BeTrue())

			link.Tick(time.Millisecond)
			req := sender.takeOne(ppp.ProtocolPAP)
			Expect(req.Code).To(Equal(uint8(ppp.PAPCodeAuthRequest)))
			Expect(req.Data).To(Equal([]byte{5, 'm', 'o', 'd', 'e', 'm', 2, 'p', 'w'}))

			link.Tick(500 * time.Millisecond)
			retry := sender.takeOne(ppp.ProtocolPAP)
			Expect(retry.Identifier).To(Equal(req.Identifier + 1))

			ack := &ppp.Packet{Code: ppp.PAPCodeAuthAck, Identifier: retry.Identifier, Data: []byte{0}}
			link.Input(ppp.ProtocolPAP, ack.Serialize())
			Expect(link.PAP().Phase(ppp.Send)).To(Equal(ppp.Open))
			Expect(link.NetworkPhase()).To(BeTrue())
		})

		It("should give up when the guest refuses", func() {
			link.Tick(time.Millisecond)
			req := sender.takeOne(ppp.ProtocolPAP)
			nakPkt := &ppp.Packet{Code: ppp.PAPCodeAuthNak, Identifier: req.Identifier, Data: []byte{0}}
			link.Input(ppp.ProtocolPAP, nakPkt.Serialize())

			link.Tick(5 * time.Second)
			Expect(sender.take(ppp.ProtocolPAP)).To(BeEmpty())
			Expect(link.NetworkPhase()).To(BeFalse())
		})
	})
})

var _ = Describe("MatchCredential", func() {
	table := []ppp.Credential{
		{Username: "a", Password: "1"},
		{Username: "b", Password: "2", StaticIP: net.IPv4(1, 2, 3, 4)},
	}

	DescribeTable("table lookups",
		func(user, pass string, found bool) {
			_, ok := ppp.MatchCredential(table, user, pass)
			Expect(ok).To(Equal(found))
		},
		Entry("first entry", "a", "1", true),
		Entry("second entry", "b", "2", true),
		Entry("wrong password", "a", "2", false),
		Entry("unknown user", "c", "1", false),
		Entry("length mismatch", "a", "11", false),
	)
})
