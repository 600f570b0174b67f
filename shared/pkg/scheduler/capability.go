package scheduler

import (
	"github.com/encodefleet/encodefleet/pkg/models"
)

// Capability is what one kind of encoder may claim: the encoding modes it
// serves, in preference order, and whether it is limited to short inputs.
type Capability struct {
	Modes     []models.EncodingMode
	ShortOnly bool
}

// capabilities is the per-encoder-type lookup table consulted by Claim.
// Adding an encoder type is adding a row here.
var capabilities = map[models.EncoderType]Capability{
	models.EncoderTypeDesktop: {
		Modes: []models.EncodingMode{models.EncodingModeSelf, models.EncodingModeAuto},
	},
	models.EncoderTypeBrowser: {
		Modes:     []models.EncodingMode{models.EncodingModeAuto},
		ShortOnly: true,
	},
	models.EncoderTypeCommunity: {
		Modes: []models.EncodingMode{models.EncodingModeCommunity, models.EncodingModeAuto},
	},
}

// CapabilityFor returns the capability row for an encoder type
func CapabilityFor(t models.EncoderType) (Capability, bool) {
	c, ok := capabilities[t]
	return c, ok
}

// KnownEncoderType reports whether t has a capability row
func KnownEncoderType(t models.EncoderType) bool {
	_, ok := capabilities[t]
	return ok
}

// CanAccept reports whether an encoder of type t may hold job.
// A job in mode m is claimable by t when t lists m; every row lists auto.
func CanAccept(t models.EncoderType, job *models.Job) bool {
	c, ok := capabilities[t]
	if !ok {
		return false
	}
	if c.ShortOnly && !job.IsShort {
		return false
	}
	for _, m := range c.Modes {
		if m == job.EncodingMode {
			return true
		}
	}
	return false
}
