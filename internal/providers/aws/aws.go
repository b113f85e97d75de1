/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package aws implements the AWS and AWS-local provider contracts.
package aws

import (
	"context"
	"errors"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"

	"github.com/altairalabs/costflow/internal/objectstore"
	"github.com/altairalabs/costflow/internal/providers/probe"
	"github.com/altairalabs/costflow/pkg/provider"
)

// Fields lists the fields AWS requires. AWS-local shares the data source half.
var Fields = provider.FieldSet{
	Vendor:      "AWS",
	DataSource:  []string{provider.FieldBucket},
	Credentials: []string{provider.FieldRoleARN},
}

var localFields = provider.FieldSet{
	Vendor:     string(provider.TypeAWSLocal),
	DataSource: Fields.DataSource,
}

const stsServiceID = "STS"

// Contract verifies that an S3 bucket is readable through an assumed role.
type Contract struct {
	probe probe.Probe
}

var _ provider.Contract = (*Contract)(nil)

// New creates the AWS contract.
func New(opener objectstore.Opener) *Contract {
	return &Contract{probe: probe.Probe{
		Type:            provider.TypeAWS,
		Opener:          opener,
		Classify:        Classify,
		CredentialField: provider.FieldRoleARN,
	}}
}

// Identity implements provider.Contract.
func (c *Contract) Identity() provider.Type {
	return provider.TypeAWS
}

// VerifyReachable implements provider.Contract with an S3 HeadBucket.
func (c *Contract) VerifyReachable(ctx context.Context, creds provider.Credentials, ds provider.DataSource) provider.ValidationResult {
	if err := Fields.Require(creds, ds); err != nil {
		return provider.Unreachable(err)
	}
	return c.probe.Run(ctx, creds, ds)
}

// LocalContract is the file-backed AWS-local variant. It replaces network
// reachability with the structural field check.
type LocalContract struct{}

var _ provider.Contract = LocalContract{}

// Identity implements provider.Contract.
func (LocalContract) Identity() provider.Type {
	return provider.TypeAWSLocal
}

// VerifyReachable implements provider.Contract.
func (LocalContract) VerifyReachable(_ context.Context, _ provider.Credentials, ds provider.DataSource) provider.ValidationResult {
	if err := localFields.RequireDataSource(ds); err != nil {
		return provider.Unreachable(err)
	}
	return provider.Reachable()
}

// Classify maps AWS SDK errors onto the taxonomy. It returns nil for errors
// it does not recognize.
func Classify(err error) *provider.Error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken",
			"InvalidClientTokenId", "UnrecognizedClientException", "InvalidToken":
			return provider.AuthenticationFailed(provider.FieldRoleARN,
				"AWS rejected the supplied credentials.", err)
		case "AccessDenied", "AccessDeniedException":
			// An AccessDenied from STS means the role cannot be assumed.
			if isSTS(err) {
				return provider.AuthenticationFailed(provider.FieldRoleARN,
					"The role could not be assumed with the supplied credentials.", err)
			}
			return provider.PermissionDenied(provider.FieldBucket,
				"The bucket is not readable with the supplied credentials.", err)
		case "Forbidden", "AllAccessDisabled":
			return provider.PermissionDenied(provider.FieldBucket,
				"The bucket is not readable with the supplied credentials.", err)
		case "NoSuchBucket", "NotFound":
			return provider.PermissionDenied(provider.FieldBucket,
				"The bucket does not exist or is not visible to the supplied credentials.", err)
		case "Throttling", "ThrottlingException", "SlowDown", "RequestTimeout",
			"RequestTimeTooSkewed", "ServiceUnavailable", "InternalError":
			return provider.Transient("AWS is temporarily unavailable.", err)
		}
	}

	if pErr := probe.Common(err); pErr != nil {
		return pErr
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return probe.FromStatus(respErr.HTTPStatusCode(), provider.FieldRoleARN, provider.FieldBucket, err)
	}
	return nil
}

func isSTS(err error) bool {
	var opErr *smithy.OperationError
	return errors.As(err, &opErr) && opErr.Service() == stsServiceID
}
