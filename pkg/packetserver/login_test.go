package packetserver

import (
	"net"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/codelaboratoryltd/packetmodem/pkg/pool"
	"github.com/codelaboratoryltd/packetmodem/pkg/ppp"
)

var _ = Describe("Login", func() {
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
	})

	It("should greet the guest with the banner and prompt", func() {
		Expect(readAll(port)).To(Equal("\r\nWelcome\r\nUsername: "))
		Expect(h.rec.has("opened")).To(BeTrue())
		Expect(h.srv.Sessions()).To(HaveLen(1))
		Expect(h.srv.Sessions()[0].Stage).To(Equal(StageUsername))
	})

	It("should echo the username, honour backspace and hide the password", func() {
		readAll(port)
		typeText(port, "alx\x7fice\r")
		h.poll(10 * time.Millisecond)
		Expect(readAll(port)).To(Equal("alx\b \bice\r\nPassword: "))

		typeText(port, "secret\r")
		h.poll(10 * time.Millisecond)
		Expect(readAll(port)).To(Equal("\r\nProtocol: "))
		Expect(h.rec.has("auth:local:ok")).To(BeTrue())
	})

	It("should ask again for an unknown protocol", func() {
		readAll(port)
		typeText(port, "alice\rsecret\r")
		h.poll(10 * time.Millisecond)
		readAll(port)

		typeText(port, "token\r")
		h.poll(10 * time.Millisecond)
		Expect(readAll(port)).To(Equal("token\r\n" + msgUnknownProto + promptProtocol))
		Expect(h.srv.Sessions()[0].Stage).To(Equal(StageProtocol))
	})

	It("should refuse IPX SLIP while IPX is disabled", func() {
		readAll(port)
		typeText(port, "alice\rsecret\ripxslip\r")
		h.poll(10 * time.Millisecond)
		Expect(readAll(port)).To(HaveSuffix(msgUnknownProto + promptProtocol))
	})

	It("should hang up after a wrong password", func() {
		readAll(port)
		typeText(port, "alice\rwrong\r")
		h.poll(10 * time.Millisecond)
		Expect(readAll(port)).To(Equal("alice\r\nPassword: \r\nLogin incorrect\r\n"))
		Expect(h.rec.has("auth:local:fail")).To(BeTrue())

		h.poll(10 * time.Millisecond)
		Expect(port.Connected()).To(BeFalse())
		Expect(h.rec.has("closed:auth_failed")).To(BeTrue())
		Expect(h.srv.Sessions()).To(BeEmpty())
		Expect(h.srv.PoolStats().Allocated).To(Equal(0))
	})

	It("should show the address before SLIP starts", func() {
		readAll(port)
		h.login(port, "slip")
		out := readAll(port)
		Expect(out).To(ContainSubstring("IP address: 10.0.2.15\r\n"))
		Expect(out).To(ContainSubstring("Gateway: 10.0.2.2\r\n"))
		Expect(out).To(HaveSuffix(msgReady))
		Expect(h.srv.Sessions()[0].Stage).To(Equal(StageSlipDelay))

		h.poll(cfg.SlipDelay)
		Expect(h.srv.Sessions()[0].Stage).To(Equal(StagePacket))
		Expect(h.srv.Sessions()[0].Mode).To(Equal(ModeSLIP))
	})

	Context("with an empty credential table", func() {
		BeforeEach(func() {
			cfg.Credentials = nil
		})

		It("should let anyone in", func() {
			readAll(port)
			typeText(port, "anyone\rwhatever\r")
			h.poll(10 * time.Millisecond)
			Expect(readAll(port)).To(HaveSuffix(promptProtocol))
			Expect(h.rec.has("auth:open:ok")).To(BeTrue())
		})
	})

	Context("with a remote verifier", func() {
		var asked []string

		BeforeEach(func() {
			asked = nil
			cfg.Credentials = nil
			cfg.RemoteAuth = func(slot int, peer string) ppp.RemoteAuth {
				return func(username, password string) <-chan ppp.AuthResult {
					asked = append(asked, peer+"/"+username)
					ch := make(chan ppp.AuthResult, 1)
					if username == "bob" && password == "pw" {
						ch <- ppp.AuthResult{OK: true, IP: net.IPv4(10, 0, 2, 77)}
					} else {
						ch <- ppp.AuthResult{Message: "denied"}
					}
					return ch
				}
			}
		})

		It("should wait for the verdict and use the address it carries", func() {
			readAll(port)
			typeText(port, "bob\rpw\r")
			h.poll(10 * time.Millisecond)
			Expect(asked).To(Equal([]string{"com1/bob"}))
			Expect(h.srv.Sessions()[0].Stage).To(Equal(StageVerify))

			h.poll(10 * time.Millisecond)
			Expect(readAll(port)).To(HaveSuffix(promptProtocol))
			Expect(h.rec.has("auth:radius:ok")).To(BeTrue())

			typeText(port, "slip\r")
			h.poll(10 * time.Millisecond)
			h.poll(10 * time.Millisecond)
			Expect(readAll(port)).To(ContainSubstring("IP address: 10.0.2.77\r\n"))
		})

		It("should hang up on a rejection", func() {
			readAll(port)
			typeText(port, "bob\rnope\r")
			h.poll(10 * time.Millisecond)
			h.poll(10 * time.Millisecond)
			Expect(readAll(port)).To(HaveSuffix(msgLoginFailed))
			Expect(h.rec.has("auth:radius:fail")).To(BeTrue())
		})
	})

	Context("with a single slot", func() {
		BeforeEach(func() {
			cfg.MaxSessions = 1
		})

		It("should refuse a second caller", func() {
			_, err := h.srv.Connect(NewPort("com2", DefaultQueueSize))
			Expect(err).To(MatchError(pool.ErrPoolExhausted))
		})
	})
})
