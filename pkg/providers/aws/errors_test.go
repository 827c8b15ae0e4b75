package aws

import (
	"context"
	"net/http"
	"testing"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anirudhbiyani/cloud-bootstrap/pkg/bootstrap"
)

func apiErr(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: "boom"}
}

func statusErr(status int) error {
	return &smithyhttp.ResponseError{
		Response: &smithyhttp.Response{Response: &http.Response{StatusCode: status}},
		Err:      errors.New("http failure"),
	}
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bootstrap.ErrorKind
	}{
		{"iam missing", apiErr("NoSuchEntity"), bootstrap.KindNotFound},
		{"s3 missing bucket", apiErr("NoSuchBucket"), bootstrap.KindNotFound},
		{"dynamodb missing", apiErr("ResourceNotFoundException"), bootstrap.KindNotFound},
		{"kms missing", apiErr("NotFoundException"), bootstrap.KindNotFound},
		{"iam exists", apiErr("EntityAlreadyExists"), bootstrap.KindAlreadyExists},
		{"bucket owned", apiErr("BucketAlreadyOwnedByYou"), bootstrap.KindAlreadyExists},
		{"access denied", apiErr("AccessDenied"), bootstrap.KindAccessDenied},
		{"access denied prefix", apiErr("AccessDeniedForDependency"), bootstrap.KindAccessDenied},
		{"throttling", apiErr("Throttling"), bootstrap.KindTransient},
		{"throttling exception", apiErr("ThrottlingException"), bootstrap.KindTransient},
		{"request timeout", apiErr("RequestTimeout"), bootstrap.KindTransient},
		{"delete conflict", apiErr("DeleteConflict"), bootstrap.KindDependencyNotReady},
		{"bucket not empty", apiErr("BucketNotEmpty"), bootstrap.KindDependencyNotReady},
		{"malformed policy", apiErr("MalformedPolicyDocument"), bootstrap.KindValidation},
		{"invalid parameter", apiErr("InvalidParameterValue"), bootstrap.KindValidation},
		{"unmodifiable", apiErr("UnmodifiableEntity"), bootstrap.KindManualIntervention},
		{"http 404", statusErr(404), bootstrap.KindNotFound},
		{"http 403", statusErr(403), bootstrap.KindAccessDenied},
		{"http 503", statusErr(503), bootstrap.KindTransient},
		{"http 429", statusErr(429), bootstrap.KindTransient},
		{"cancelled", context.Canceled, bootstrap.KindCancelled},
		{"unknown", errors.New("mystery"), bootstrap.KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errorKind(tt.err))
		})
	}
}

func TestClassify(t *testing.T) {
	assert.NoError(t, classify(nil, "iam:GetRole", bootstrap.KindRole, "r"))

	err := classify(apiErr("NoSuchEntity"), "iam:GetRole", bootstrap.KindRole, "app-deploy-dev")
	var be *bootstrap.Error
	require.True(t, errors.As(err, &be))
	assert.Equal(t, bootstrap.KindNotFound, be.Kind)
	assert.Equal(t, "iam:GetRole", be.Action)
	assert.Equal(t, "app-deploy-dev", be.Resource)
	assert.Contains(t, be.Error(), "NoSuchEntity: boom")

	// Context errors are left for the orchestrator to map.
	err = classify(context.Canceled, "iam:GetRole", bootstrap.KindRole, "r")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, bootstrap.KindCancelled, bootstrap.KindOf(err))
}
