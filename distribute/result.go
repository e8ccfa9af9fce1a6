package distribute

import (
	"github.com/ryansname/gridctl/microgrid"
)

// Result is the outcome of one Request. Exactly one Result is emitted per
// request. The concrete type is one of Success, PartialFailure, OutOfBounds,
// Error or Ignored.
type Result interface {
	// ForRequest returns the request this result answers.
	ForRequest() Request

	isResult()
}

// Success reports that every inverter accepted its share of the request.
type Success struct {
	Request Request
	// SucceededPower is the total power that was set, in watts.
	SucceededPower float64
	// SucceededBatteries are all batteries that received power.
	SucceededBatteries microgrid.BatterySet
	// ExcessPower is the part of the request that could not be distributed
	// within the pool's bounds.
	ExcessPower float64
}

// PartialFailure reports that some inverters rejected or timed out.
type PartialFailure struct {
	Request            Request
	SucceededPower     float64
	SucceededBatteries microgrid.BatterySet
	FailedPower        float64
	FailedBatteries    microgrid.BatterySet
	ExcessPower        float64
}

// OutOfBounds reports that the requested power is not admissible for the
// current pool bounds.
type OutOfBounds struct {
	Request Request
	// Bounds the pool had when the request was rejected.
	Bounds microgrid.PowerBounds
}

// Error reports that the request could not be processed at all.
type Error struct {
	Request Request
	Msg     string
}

// Ignored reports that a newer request for the identical battery set
// superseded this one before it was processed.
type Ignored struct {
	Request Request
}

func (r Success) ForRequest() Request        { return r.Request }
func (r PartialFailure) ForRequest() Request { return r.Request }
func (r OutOfBounds) ForRequest() Request    { return r.Request }
func (r Error) ForRequest() Request          { return r.Request }
func (r Ignored) ForRequest() Request        { return r.Request }

func (Success) isResult()        {}
func (PartialFailure) isResult() {}
func (OutOfBounds) isResult()    {}
func (Error) isResult()          {}
func (Ignored) isResult()        {}

// variant names the result type for logs and metrics.
func variant(r Result) string {
	switch r.(type) {
	case Success:
		return "success"
	case PartialFailure:
		return "partial_failure"
	case OutOfBounds:
		return "out_of_bounds"
	case Error:
		return "error"
	case Ignored:
		return "ignored"
	default:
		return "unknown"
	}
}
