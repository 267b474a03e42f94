package dynamo

import (
	"errors"

	"github.com/aws/smithy-go"

	syncErrors "github.com/c0deZ3R0/storefront-sync/errors"
	"github.com/c0deZ3R0/storefront-sync/remote"
)

// Error codes after which the same request may succeed later.
var unavailableCodes = map[string]bool{
	"ThrottlingException":                    true,
	"ProvisionedThroughputExceededException": true,
	"RequestLimitExceeded":                   true,
	"TooManyRequestsException":               true,
	"LimitExceededException":                 true,
	"InternalServerError":                    true,
	"InternalErrorException":                 true,
	"ServiceUnavailable":                     true,
	"ServiceUnavailableException":            true,
	"UnrecognizedClientException":            true,
	"InvalidSignatureException":              true,
	"ExpiredTokenException":                  true,
	"AccessDeniedException":                  true,
	"NotAuthorizedException":                 true,
	"ResourceNotFoundException":              true,
}

// classify maps an SDK error onto the remote outcome kinds. Server faults and
// the codes above are unavailable, other API errors are rejections, and
// anything without an API error code is a transport failure.
func classify(op syncErrors.Operation, err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if unavailableCodes[apiErr.ErrorCode()] || apiErr.ErrorFault() == smithy.FaultServer {
			return remote.Unavailable(op, err)
		}
		return remote.Rejected(op, err)
	}
	return remote.Unavailable(op, err)
}
