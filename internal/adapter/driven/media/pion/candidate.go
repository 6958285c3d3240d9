package pion

import (
	"strings"

	"github.com/Wyydra/duo/internal/core/domain"
	"github.com/pion/ice/v4"
	"github.com/pion/webrtc/v4"
)

// Classify parses an a=candidate value and reports its type. Values
// that do not parse are CandidateUnknown.
func Classify(raw string) domain.CandidateType {
	c, err := ice.UnmarshalCandidate(strings.TrimPrefix(raw, "candidate:"))
	if err != nil {
		return domain.CandidateUnknown
	}
	switch c.Type() {
	case ice.CandidateTypeHost:
		return domain.CandidateHost
	case ice.CandidateTypeServerReflexive:
		return domain.CandidateSrflx
	case ice.CandidateTypePeerReflexive:
		return domain.CandidatePrflx
	case ice.CandidateTypeRelay:
		return domain.CandidateRelay
	}
	return domain.CandidateUnknown
}

func candidateType(t webrtc.ICECandidateType) domain.CandidateType {
	switch t {
	case webrtc.ICECandidateTypeHost:
		return domain.CandidateHost
	case webrtc.ICECandidateTypeSrflx:
		return domain.CandidateSrflx
	case webrtc.ICECandidateTypePrflx:
		return domain.CandidatePrflx
	case webrtc.ICECandidateTypeRelay:
		return domain.CandidateRelay
	}
	return domain.CandidateUnknown
}

func toInit(c domain.ICECandidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func fromInit(c webrtc.ICECandidateInit) domain.ICECandidate {
	return domain.ICECandidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
