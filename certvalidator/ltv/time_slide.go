package ltv

import (
	"context"
	"fmt"
	"time"

	"github.com/containerd/log"

	"github.com/georgepadayatti/etsival/certvalidator"
	"github.com/georgepadayatti/etsival/policy"
	"github.com/georgepadayatti/etsival/sign/ades"
)

// TimeSlideInput contains input for the control-time sliding process.
type TimeSlideInput struct {
	// Chain is the evidence of every chain certificate, leaf first.
	Chain []*certvalidator.CertificateEvidence

	// SignatureID is the token identifier of the signature value.
	SignatureID string

	// InitControlTime is the best signature time.
	InitControlTime time.Time

	POE        *POEManager
	Revocation policy.RevocationConstraints

	// MaxIterations bounds the number of passes over the chain.
	// Zero means len(Chain)+1.
	MaxIterations int
}

// Slide records one move of the control time.
type Slide struct {
	From        time.Time
	To          time.Time
	Certificate certvalidator.CertificateID
	Reason      string
}

// TimeSlideOutput contains output from the control-time sliding process.
type TimeSlideOutput struct {
	ades.Result

	// ControlTime is the surviving control time.
	ControlTime time.Time

	// Iterations is the number of passes over the chain.
	Iterations int

	Slides   []Slide
	Messages []string
}

func (o *TimeSlideOutput) fail(res ades.Result, format string, args ...any) *TimeSlideOutput {
	o.Result = res
	o.Messages = append(o.Messages, fmt.Sprintf(format, args...))
	return o
}

func (o *TimeSlideOutput) note(format string, args ...any) {
	o.Messages = append(o.Messages, fmt.Sprintf(format, args...))
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func within(t time.Time, ev *certvalidator.CertificateEvidence) bool {
	return !t.Before(ev.NotBefore) && !t.After(ev.NotAfter)
}

// TimeSlide moves the control time backwards until every chain certificate
// is within its validity period and covered by revocation data issued
// before, and fresh at, that time, then checks revocation and the signature's proof of existence
// against the surviving control time.
//
// A certificate that fails at the current control time slides it to the
// certificate's own proof of existence, if that is strictly earlier and
// inside the validity period, and the chain is checked again from the leaf.
// Control time never increases, so the loop ends after at most one slide
// per certificate; exceeding the iteration bound yields TRY_LATER.
func TimeSlide(ctx context.Context, in *TimeSlideInput) *TimeSlideOutput {
	out := &TimeSlideOutput{Result: ades.ValidResult(), ControlTime: in.InitControlTime}
	if len(in.Chain) == 0 {
		return out.fail(ades.NewIndeterminate(ades.NoCertificateChainFound), "%v", ErrNoChain)
	}
	poe := in.POE
	if poe == nil {
		poe = NewPOEManager(in.InitControlTime)
	}
	bound := in.MaxIterations
	if bound <= 0 {
		bound = len(in.Chain) + 1
	}

	for {
		out.Iterations++
		if out.Iterations > bound {
			return out.fail(ades.NewIndeterminate(ades.TryLater), "%v after %d passes", ErrNotConverge, bound)
		}

		slid, failed := pass(in, poe, out)
		if failed {
			return out
		}
		if !slid {
			break
		}
	}

	for _, ev := range in.Chain {
		if ev.TrustAnchor && !in.Revocation.CheckTrustAnchor {
			continue
		}
		if at, revoked := ev.Revocation(); revoked && at.Before(out.ControlTime) {
			return out.fail(ades.NewInvalid(ades.Revoked), "%s: revoked at %s, before control time %s", ev.Subject, stamp(at), stamp(out.ControlTime))
		}
	}

	if in.SignatureID != "" {
		if sigPOE := poe.Get(in.SignatureID); sigPOE.After(out.ControlTime) {
			return out.fail(ades.NewIndeterminate(ades.NoPOE), "no proof of existence of the signature before %s", stamp(out.ControlTime))
		}
	}

	log.G(ctx).WithField("iterations", out.Iterations).Debugf("control time converged at %s", stamp(out.ControlTime))
	return out
}

// pass checks the chain once at the current control time. It reports
// whether the control time slid, or whether the process failed.
func pass(in *TimeSlideInput, poe *POEManager, out *TimeSlideOutput) (slid, failed bool) {
	control := out.ControlTime
	for _, ev := range in.Chain {
		if ev.TrustAnchor && !in.Revocation.CheckTrustAnchor {
			continue
		}
		id := ev.ID.Token()
		certPOE := poe.Get(id)
		hasProof := poe.HasProof(id)

		if !within(control, ev) {
			if hasProof && certPOE.Before(control) && within(certPOE, ev) {
				out.slide(ev, certPOE, "outside validity period")
				return true, false
			}
			out.fail(ades.NewIndeterminate(ades.OutOfBoundsNoPOE), "%s: control time %s outside validity [%s, %s]", ev.Subject, stamp(control), stamp(ev.NotBefore), stamp(ev.NotAfter))
			return false, true
		}

		if len(ev.Tokens) == 0 {
			switch in.Revocation.Missing {
			case policy.MissingRevocationIgnore:
				out.note("%s: no revocation data, ignored by policy", ev.Subject)
				continue
			case policy.MissingRevocationPOE:
				if hasProof && !certPOE.After(control) && !certPOE.After(ev.NotAfter) {
					out.note("%s: no revocation data, existence proven at %s", ev.Subject, stamp(certPOE))
					continue
				}
			}
			out.fail(ades.NewIndeterminate(ades.NoPOE), "%s: no revocation data", ev.Subject)
			return false, true
		}

		if usable, reason := usableTokens(ev, control, poe, in.Revocation); usable == 0 {
			if hasProof && certPOE.Before(control) && within(certPOE, ev) {
				out.slide(ev, certPOE, reason)
				return true, false
			}
			if at, revoked := ev.Revocation(); revoked && at.Before(control) {
				out.fail(ades.NewInvalid(ades.Revoked), "%s: revoked at %s, before control time %s", ev.Subject, stamp(at), stamp(control))
				return false, true
			}
			out.fail(ades.NewIndeterminate(ades.NoPOE), "%s: %s at %s", ev.Subject, reason, stamp(control))
			return false, true
		}
	}
	return false, false
}

// usableTokens counts the tokens of ev that attest the status at control:
// issued by then, not proven to exist only later, and fresh. Without any,
// reason tells why.
func usableTokens(ev *certvalidator.CertificateEvidence, control time.Time, poe *POEManager, c policy.RevocationConstraints) (n int, reason string) {
	reason = "revocation data issued after control time"
	for _, tok := range ev.Tokens {
		if !tok.IssuedBy(control, c.Skew) {
			continue
		}
		if poe.HasProof(tok.ID) && poe.Get(tok.ID).After(control) {
			reason = "no proof of existence of the revocation data"
			continue
		}
		if !tok.FreshAt(control, c.MaxAge, c.Skew) {
			reason = "no fresh revocation data"
			continue
		}
		n++
	}
	return n, reason
}

func (o *TimeSlideOutput) slide(ev *certvalidator.CertificateEvidence, to time.Time, reason string) {
	o.Slides = append(o.Slides, Slide{From: o.ControlTime, To: to, Certificate: ev.ID, Reason: reason})
	o.note("%s: %s, control time slides from %s to %s", ev.Subject, reason, stamp(o.ControlTime), stamp(to))
	o.ControlTime = to
}
