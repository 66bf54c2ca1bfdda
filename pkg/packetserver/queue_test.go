package packetserver

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("ByteQueue", func() {
	It("should keep order across the wrap point", func() {
		q := NewByteQueue(8)
		Expect(q.Write([]byte("abcdef"))).To(Equal(6))

		buf := make([]byte, 4)
		Expect(q.Read(buf)).To(Equal(4))
		Expect(string(buf)).To(Equal("abcd"))

		Expect(q.Write([]byte("ghijklmn"))).To(Equal(6))
		Expect(q.Free()).To(Equal(0))

		out := make([]byte, 16)
		n := q.Read(out)
		Expect(string(out[:n])).To(Equal("efghijkl"))
		Expect(q.Len()).To(Equal(0))
	})

	It("should return zero when empty", func() {
		q := NewByteQueue(0)
		Expect(q.Read(make([]byte, 4))).To(Equal(0))
		Expect(q.Free()).To(Equal(DefaultQueueSize))
	})

	It("should drop everything on Reset", func() {
		q := NewByteQueue(4)
		q.Write([]byte("xyz"))
		q.Reset()
		Expect(q.Len()).To(Equal(0))
		Expect(q.Free()).To(Equal(4))
	})
})

var _ = Describe("Port", func() {
	It("should carry bytes in both directions", func() {
		p := NewPort("com1", 16)
		p.GuestWrite([]byte("AT"))
		buf := make([]byte, 8)
		Expect(p.Read(buf)).To(Equal(2))
		Expect(string(buf[:2])).To(Equal("AT"))

		p.Write([]byte("OK"))
		Expect(p.Pending()).To(Equal(2))
		Expect(p.GuestRead(buf)).To(Equal(2))
		Expect(p.Free()).To(Equal(16))
	})

	It("should report the hangup", func() {
		p := NewPort("com1", 16)
		Expect(p.Connected()).To(BeTrue())
		p.Hangup()
		Expect(p.Connected()).To(BeFalse())
		Expect(p.Peer()).To(Equal("com1"))
	})
})
