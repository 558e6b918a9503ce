package server

import uds "github.com/vdiag/gouds"

type resultKind uint8

const (
	kindHandled resultKind = iota
	kindContinue
	kindNotMine
	kindPending
	kindReject
)

// Result is the three-way triage a service handler returns to the
// dispatcher, plus the observer and response-pending markers.
type Result struct {
	kind resultKind
	nrc  uds.NRC
}

// Handled stops the chain with a positive response.
func Handled() Result { return Result{kind: kindHandled} }

// Continue reports "processed, let later handlers run too" (observer
// semantics). A chain ending with only Continue results is positive.
func Continue() Result { return Result{kind: kindContinue} }

// NotMine reports "this request is not addressed to me, try the next
// handler". A chain where every handler answers NotMine yields
// ServiceNotSupported.
func NotMine() Result { return Result{kind: kindNotMine} }

// Pending stops the chain with an RCR-ResponsePending (0x78) reply; the
// dispatcher re-invokes the chain on subsequent polls.
func Pending() Result { return Result{kind: kindPending} }

// Reject stops the chain with the given negative response code: the handler
// recognised the request and refused it.
func Reject(nrc uds.NRC) Result { return Result{kind: kindReject, nrc: nrc} }

func (r Result) NRC() uds.NRC { return r.nrc }
