package validation

import (
	"context"
	"time"

	"github.com/containerd/log"

	"github.com/georgepadayatti/etsival/certvalidator/ltv"
	"github.com/georgepadayatti/etsival/policy"
	"github.com/georgepadayatti/etsival/sign/ades"
	"github.com/georgepadayatti/etsival/sign/validation/qualified"
)

// LTVResult is the outcome of the long-term validation process.
type LTVResult struct {
	ades.Result

	ControlTime time.Time
	Iterations  int
	Slides      []ltv.Slide

	// Qualification is the trust-list assessment of the signing certificate
	// at the control time, nil without a trust list.
	Qualification *qualified.Assessment
	// QualificationResult is INDETERMINATE/QUALIFICATION_FAILURE when the
	// issuing CA was not in an active status at the control time. It never
	// changes Result.
	QualificationResult ades.Result

	Messages []string
}

// LongTermValidation slides the control time from the best signature time
// over the chain found by basic validation, using the proofs of existence of
// the timestamp stage, then assesses the issuing CA's trust-service status
// at the surviving control time.
func LongTermValidation(ctx context.Context, in Inputs, basic *BasicResult, ts *TimestampResult) *LTVResult {
	chain := basic.Evidence()
	if len(chain) == 0 {
		return &LTVResult{
			Result:              ades.NewIndeterminate(ades.NoCertificateChainFound),
			ControlTime:         ts.BestSignatureTime,
			QualificationResult: ades.ValidResult(),
			Messages:            []string{"no certificate chain to validate"},
		}
	}

	p := in.Policy
	if p == nil {
		p = policy.Default()
	}
	out := ltv.TimeSlide(ctx, &ltv.TimeSlideInput{
		Chain:           chain,
		SignatureID:     in.SignatureID(),
		InitControlTime: ts.BestSignatureTime,
		POE:             ts.POE,
		Revocation:      p.Revocation,
	})
	res := &LTVResult{
		Result:              out.Result,
		ControlTime:         out.ControlTime,
		Iterations:          out.Iterations,
		Slides:              out.Slides,
		QualificationResult: ades.ValidResult(),
		Messages:            out.Messages,
	}

	if in.TrustList != nil && len(chain) > 1 {
		a := qualified.Assess(chain[0].Certificate, chain[1].Certificate, in.TrustList, res.ControlTime)
		res.Qualification = &a
		if !a.Granted {
			res.QualificationResult = ades.NewIndeterminate(ades.QualificationFailure)
			res.Messages = append(res.Messages, a.Messages...)
		}
	}

	log.G(ctx).WithField("signature", in.Container.ID()).Debugf("long-term validation: %s at control time %s after %d passes",
		res.Result, stamp(res.ControlTime), res.Iterations)
	return res
}
