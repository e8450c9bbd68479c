package dnsprovider

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/route53/types"
	"github.com/aws/smithy-go"

	"github.com/leozw/certiroute/internal/core"
)

var credentialCodes = map[string]bool{
	"AccessDenied":                true,
	"AccessDeniedException":       true,
	"ExpiredToken":                true,
	"IncompleteSignature":         true,
	"InvalidAccessKeyId":          true,
	"InvalidClientTokenId":        true,
	"MissingAuthenticationToken":  true,
	"SignatureDoesNotMatch":       true,
	"UnrecognizedClientException": true,
}

var transientCodes = map[string]bool{
	"InternalFailure":          true,
	"PriorRequestNotComplete":  true,
	"RequestTimeout":           true,
	"ServiceUnavailable":       true,
	"Throttling":               true,
	"ThrottlingException":      true,
	"RequestLimitExceeded":     true,
	"TooManyRequestsException": true,
}

// classify maps a Route 53 error onto an error kind. Transport failures with
// no API response are transient.
func classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return core.E(core.KindExternalTransient, op, "request interrupted", err)
	}

	var batch *types.InvalidChangeBatch
	if errors.As(err, &batch) {
		msg := strings.ToLower(strings.Join(batch.Messages, " ") + " " + batch.ErrorMessage())
		switch {
		case strings.Contains(msg, "not found"):
			return ErrRecordAbsent
		case strings.Contains(msg, "values provided do not match"):
			return core.E(core.KindConflict, op, "record value differs from the recorded target", err)
		default:
			return core.E(core.KindExternalPermanent, op, "change batch rejected", err)
		}
	}

	var noZone *types.NoSuchHostedZone
	if errors.As(err, &noZone) {
		return core.E(core.KindNotFound, op, "hosted zone not found", err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case credentialCodes[code]:
			return core.E(core.KindCredential, op, "provider rejected credentials ("+code+")", err)
		case transientCodes[code]:
			return core.E(core.KindExternalTransient, op, "provider unavailable ("+code+")", err)
		case code == "InvalidInput":
			return core.E(core.KindValidation, op, "provider rejected input", err)
		default:
			if apiErr.ErrorFault() == smithy.FaultServer {
				return core.E(core.KindExternalTransient, op, "provider error ("+code+")", err)
			}
			return core.E(core.KindExternalPermanent, op, "provider error ("+code+")", err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return core.E(core.KindExternalTransient, op, "network failure", err)
	}
	return core.E(core.KindExternalTransient, op, "request failed", err)
}
