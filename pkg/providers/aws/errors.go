package aws

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/cockroachdb/errors"

	"github.com/anirudhbiyani/cloud-bootstrap/pkg/bootstrap"
)

var codeKinds = map[string]bootstrap.ErrorKind{
	// not found
	"NoSuchEntity":              bootstrap.KindNotFound,
	"NoSuchBucket":              bootstrap.KindNotFound,
	"NoSuchKey":                 bootstrap.KindNotFound,
	"NoSuchUpload":              bootstrap.KindNotFound,
	"NotFound":                  bootstrap.KindNotFound,
	"NotFoundException":         bootstrap.KindNotFound,
	"ResourceNotFoundException": bootstrap.KindNotFound,

	// already exists
	"EntityAlreadyExists":     bootstrap.KindAlreadyExists,
	"BucketAlreadyExists":     bootstrap.KindAlreadyExists,
	"BucketAlreadyOwnedByYou": bootstrap.KindAlreadyExists,
	"ResourceInUseException":  bootstrap.KindAlreadyExists,
	"AlreadyExistsException":  bootstrap.KindAlreadyExists,

	// access
	"AccessDenied":                bootstrap.KindAccessDenied,
	"AccessDeniedException":       bootstrap.KindAccessDenied,
	"UnauthorizedOperation":       bootstrap.KindAccessDenied,
	"Forbidden":                   bootstrap.KindAccessDenied,
	"ExpiredToken":                bootstrap.KindAccessDenied,
	"InvalidClientTokenId":        bootstrap.KindAccessDenied,
	"AllAccessDisabled":           bootstrap.KindAccessDenied,
	"InvalidAccessKeyId":          bootstrap.KindAccessDenied,
	"SignatureDoesNotMatch":       bootstrap.KindAccessDenied,
	"UnrecognizedClientException": bootstrap.KindAccessDenied,

	// transient
	"ServiceUnavailable":         bootstrap.KindTransient,
	"ServiceFailure":             bootstrap.KindTransient,
	"InternalError":              bootstrap.KindTransient,
	"KMSInternalException":       bootstrap.KindTransient,
	"DependencyTimeoutException": bootstrap.KindTransient,
	"ConcurrentModification":     bootstrap.KindTransient,
	"OperationAborted":           bootstrap.KindTransient,

	// dependency not ready
	"DeleteConflict":           bootstrap.KindDependencyNotReady,
	"BucketNotEmpty":           bootstrap.KindDependencyNotReady,
	"LimitExceeded":            bootstrap.KindDependencyNotReady,
	"LimitExceededException":   bootstrap.KindDependencyNotReady,
	"KMSInvalidStateException": bootstrap.KindDependencyNotReady,

	// validation
	"MalformedPolicyDocument": bootstrap.KindValidation,
	"MalformedPolicy":         bootstrap.KindValidation,
	"ValidationError":         bootstrap.KindValidation,
	"ValidationException":     bootstrap.KindValidation,
	"InvalidInput":            bootstrap.KindValidation,
	"InvalidBucketName":       bootstrap.KindValidation,

	"UnmodifiableEntity": bootstrap.KindManualIntervention,
	"DisabledException":  bootstrap.KindManualIntervention,
}

// errorKind classifies an SDK error by its API error code, falling back to
// the HTTP status and the SDK's own retryability rules.
func errorKind(err error) bootstrap.ErrorKind {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return bootstrap.KindCancelled
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		code := ae.ErrorCode()
		if k, ok := codeKinds[code]; ok {
			return k
		}
		if _, ok := retry.DefaultThrottleErrorCodes[code]; ok {
			return bootstrap.KindTransient
		}
		if _, ok := retry.DefaultRetryableErrorCodes[code]; ok {
			return bootstrap.KindTransient
		}
		switch {
		case strings.HasPrefix(code, "AccessDenied"):
			return bootstrap.KindAccessDenied
		case strings.HasPrefix(code, "InvalidParameter"):
			return bootstrap.KindValidation
		}
	}
	var re *smithyhttp.ResponseError
	if errors.As(err, &re) {
		switch status := re.HTTPStatusCode(); {
		case status == 404:
			return bootstrap.KindNotFound
		case status == 403 || status == 401:
			return bootstrap.KindAccessDenied
		case status == 409:
			return bootstrap.KindDependencyNotReady
		case status == 429 || status >= 500:
			return bootstrap.KindTransient
		case status == 400:
			return bootstrap.KindValidation
		}
	}
	if retry.IsErrorRetryables(retry.DefaultRetryables).IsErrorRetryable(err) == aws.TrueTernary {
		return bootstrap.KindTransient
	}
	return bootstrap.KindInternal
}

// classify turns an SDK error into a *bootstrap.Error naming the action and
// resource. Context errors pass through unchanged.
func classify(err error, action string, kind bootstrap.ResourceKind, id string) error {
	if err == nil {
		return nil
	}
	k := errorKind(err)
	if k == bootstrap.KindCancelled {
		return err
	}
	msg := "control-plane call failed"
	var ae smithy.APIError
	if errors.As(err, &ae) {
		msg = ae.ErrorCode()
		if m := ae.ErrorMessage(); m != "" {
			msg += ": " + m
		}
	}
	return bootstrap.NewError(k, msg).
		WithAction(action).
		WithResource(kind, id).
		WithCause(err)
}
