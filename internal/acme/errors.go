package acme

import (
	"context"
	"errors"
	"net"
	"strings"

	legoacme "github.com/go-acme/lego/v4/acme"

	"github.com/leozw/certiroute/internal/core"
)

const problemPrefix = "urn:ietf:params:acme:error:"

var transientProblems = map[string]bool{
	"rateLimited":    true,
	"serverInternal": true,
	"badNonce":       true,
}

var rejectedProblems = map[string]bool{
	"malformed":             true,
	"badCSR":                true,
	"rejectedIdentifier":    true,
	"unsupportedIdentifier": true,
}

// classify maps lego and RFC 8555 problem documents onto error kinds.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var classified *core.Error
	if errors.As(err, &classified) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return core.E(core.KindExternalTransient, op, "certificate authority request interrupted", err)
	}

	var problem *legoacme.ProblemDetails
	if errors.As(err, &problem) {
		name := strings.TrimPrefix(problem.Type, problemPrefix)
		switch {
		case transientProblems[name], problem.HTTPStatus >= 500:
			return core.E(core.KindExternalTransient, op, problem.Detail, err)
		case rejectedProblems[name]:
			return core.E(core.KindValidation, op, problem.Detail, err)
		case name == "accountDoesNotExist", name == "externalAccountRequired":
			return core.E(core.KindCredential, op, problem.Detail, err)
		default:
			return core.E(core.KindExternalPermanent, op, problem.Detail, err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return core.E(core.KindExternalTransient, op, "certificate authority unreachable", err)
	}

	// Challenge failures arrive as aggregated lego errors without a problem
	// document; the CA has given a final answer for this order.
	return core.E(core.KindExternalPermanent, op, err.Error(), err)
}
