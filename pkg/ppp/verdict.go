package ppp

import "github.com/codelaboratoryltd/packetmodem/pkg/pktbuf"

// Verdict is the outcome of checking one option of a Configure-Request.
type Verdict int

const (
	Accept Verdict = iota
	NeedNak
	NeedReject
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case NeedNak:
		return "nak"
	case NeedReject:
		return "reject"
	default:
		return "unknown"
	}
}

// Check is a Verdict plus the suggested value for NeedNak.
type Check struct {
	Verdict Verdict
	Nak     Option
}

func accept() Check        { return Check{Verdict: Accept} }
func reject() Check        { return Check{Verdict: NeedReject} }
func nak(opt Option) Check { return Check{Verdict: NeedNak, Nak: opt} }

// replyBuilder aggregates per-option checks into one Ack, Nak or Reject.
// Rejects take precedence over Naks.
type replyBuilder struct {
	naks    pktbuf.Buffer
	rejects pktbuf.Buffer
}

func (r *replyBuilder) add(opt Option, c Check) {
	switch c.Verdict {
	case NeedNak:
		AppendOption(&r.naks, c.Nak)
	case NeedReject:
		AppendOption(&r.rejects, opt)
	}
}

// acked reports whether every option was accepted.
func (r *replyBuilder) acked() bool {
	return r.naks.Len() == 0 && r.rejects.Len() == 0
}

// reply builds the response to the request identified by id, whose option
// octets were data.
func (r *replyBuilder) reply(id uint8, data []byte) *Packet {
	switch {
	case r.rejects.Len() > 0:
		return &Packet{Code: CodeConfigReject, Identifier: id, Data: r.rejects.Bytes()}
	case r.naks.Len() > 0:
		return &Packet{Code: CodeConfigNak, Identifier: id, Data: r.naks.Bytes()}
	default:
		return &Packet{Code: CodeConfigAck, Identifier: id, Data: data}
	}
}
