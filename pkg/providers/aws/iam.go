package aws

import (
	"context"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"

	"github.com/anirudhbiyani/cloud-bootstrap/pkg/bootstrap"
)

func toIAMTags(tags bootstrap.Tags) []iamtypes.Tag {
	out := make([]iamtypes.Tag, 0, len(tags))
	for k, v := range tags {
		out = append(out, iamtypes.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	sort.Slice(out, func(i, j int) bool { return aws.ToString(out[i].Key) < aws.ToString(out[j].Key) })
	return out
}

func fromIAMTags(tags []iamtypes.Tag) bootstrap.Tags {
	out := make(bootstrap.Tags, len(tags))
	for _, t := range tags {
		out[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return out
}

func liveRole(r *iamtypes.Role) (*bootstrap.LiveRole, error) {
	trust, err := bootstrap.DecodePolicy(aws.ToString(r.AssumeRolePolicyDocument))
	if err != nil {
		return nil, err
	}
	return &bootstrap.LiveRole{
		Name:              aws.ToString(r.RoleName),
		ARN:               aws.ToString(r.Arn),
		TrustPolicy:       trust,
		MaxSessionSeconds: aws.ToInt32(r.MaxSessionDuration),
		Tags:              fromIAMTags(r.Tags),
	}, nil
}

// GetRole implements bootstrap.IAMPlane.
func (p *Plane) GetRole(ctx context.Context, name string) (*bootstrap.LiveRole, error) {
	out, err := p.iam.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(name)})
	if err != nil {
		return nil, classify(err, "iam:GetRole", bootstrap.KindRole, name)
	}
	return liveRole(out.Role)
}

// ListRoles implements bootstrap.IAMPlane. IAM does not return tags or
// attachments from a listing.
func (p *Plane) ListRoles(ctx context.Context) ([]bootstrap.LiveRole, error) {
	var roles []bootstrap.LiveRole
	pager := iam.NewListRolesPaginator(p.iam, &iam.ListRolesInput{})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, classify(err, "iam:ListRoles", bootstrap.KindRole, "")
		}
		for i := range page.Roles {
			r, err := liveRole(&page.Roles[i])
			if err != nil {
				return nil, err
			}
			roles = append(roles, *r)
		}
	}
	return roles, nil
}

// CreateRole implements bootstrap.IAMPlane.
func (p *Plane) CreateRole(ctx context.Context, in *bootstrap.CreateRoleInput) (*bootstrap.LiveRole, error) {
	req := &iam.CreateRoleInput{
		RoleName:                 aws.String(in.Name),
		AssumeRolePolicyDocument: aws.String(in.TrustPolicy),
		Description:              aws.String(in.Description),
		Tags:                     toIAMTags(in.Tags),
	}
	if in.MaxSessionDuration > 0 {
		req.MaxSessionDuration = aws.Int32(in.MaxSessionDuration)
	}
	out, err := p.iam.CreateRole(ctx, req)
	if err != nil {
		return nil, classify(err, "iam:CreateRole", bootstrap.KindRole, in.Name)
	}
	return liveRole(out.Role)
}

// UpdateAssumeRolePolicy implements bootstrap.IAMPlane.
func (p *Plane) UpdateAssumeRolePolicy(ctx context.Context, name, document string) error {
	_, err := p.iam.UpdateAssumeRolePolicy(ctx, &iam.UpdateAssumeRolePolicyInput{
		RoleName:       aws.String(name),
		PolicyDocument: aws.String(document),
	})
	return classify(err, "iam:UpdateAssumeRolePolicy", bootstrap.KindRole, name)
}

// UpdateMaxSessionDuration implements bootstrap.IAMPlane.
func (p *Plane) UpdateMaxSessionDuration(ctx context.Context, name string, seconds int32) error {
	_, err := p.iam.UpdateRole(ctx, &iam.UpdateRoleInput{
		RoleName:           aws.String(name),
		MaxSessionDuration: aws.Int32(seconds),
	})
	return classify(err, "iam:UpdateRole", bootstrap.KindRole, name)
}

// DeleteRole implements bootstrap.IAMPlane.
func (p *Plane) DeleteRole(ctx context.Context, name string) error {
	_, err := p.iam.DeleteRole(ctx, &iam.DeleteRoleInput{RoleName: aws.String(name)})
	return classify(err, "iam:DeleteRole", bootstrap.KindRole, name)
}

// AttachRolePolicy implements bootstrap.IAMPlane.
func (p *Plane) AttachRolePolicy(ctx context.Context, roleName, policyARN string) error {
	_, err := p.iam.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
		RoleName:  aws.String(roleName),
		PolicyArn: aws.String(policyARN),
	})
	return classify(err, "iam:AttachRolePolicy", bootstrap.KindRole, roleName)
}

// DetachRolePolicy implements bootstrap.IAMPlane.
func (p *Plane) DetachRolePolicy(ctx context.Context, roleName, policyARN string) error {
	_, err := p.iam.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{
		RoleName:  aws.String(roleName),
		PolicyArn: aws.String(policyARN),
	})
	return classify(err, "iam:DetachRolePolicy", bootstrap.KindRole, roleName)
}

// ListAttachedRolePolicies implements bootstrap.IAMPlane.
func (p *Plane) ListAttachedRolePolicies(ctx context.Context, roleName string) ([]string, error) {
	var arns []string
	pager := iam.NewListAttachedRolePoliciesPaginator(p.iam, &iam.ListAttachedRolePoliciesInput{RoleName: aws.String(roleName)})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, classify(err, "iam:ListAttachedRolePolicies", bootstrap.KindRole, roleName)
		}
		for _, ap := range page.AttachedPolicies {
			arns = append(arns, aws.ToString(ap.PolicyArn))
		}
	}
	return arns, nil
}

// PutRolePolicy implements bootstrap.IAMPlane.
func (p *Plane) PutRolePolicy(ctx context.Context, roleName, policyName, document string) error {
	_, err := p.iam.PutRolePolicy(ctx, &iam.PutRolePolicyInput{
		RoleName:       aws.String(roleName),
		PolicyName:     aws.String(policyName),
		PolicyDocument: aws.String(document),
	})
	return classify(err, "iam:PutRolePolicy", bootstrap.KindRole, roleName)
}

// DeleteRolePolicy implements bootstrap.IAMPlane.
func (p *Plane) DeleteRolePolicy(ctx context.Context, roleName, policyName string) error {
	_, err := p.iam.DeleteRolePolicy(ctx, &iam.DeleteRolePolicyInput{
		RoleName:   aws.String(roleName),
		PolicyName: aws.String(policyName),
	})
	return classify(err, "iam:DeleteRolePolicy", bootstrap.KindRole, roleName)
}

// ListRolePolicies implements bootstrap.IAMPlane. It returns the decoded
// document of every inline policy keyed by name.
func (p *Plane) ListRolePolicies(ctx context.Context, roleName string) (map[string]string, error) {
	var names []string
	pager := iam.NewListRolePoliciesPaginator(p.iam, &iam.ListRolePoliciesInput{RoleName: aws.String(roleName)})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, classify(err, "iam:ListRolePolicies", bootstrap.KindRole, roleName)
		}
		names = append(names, page.PolicyNames...)
	}

	docs := make(map[string]string, len(names))
	for _, name := range names {
		out, err := p.iam.GetRolePolicy(ctx, &iam.GetRolePolicyInput{
			RoleName:   aws.String(roleName),
			PolicyName: aws.String(name),
		})
		if err != nil {
			return nil, classify(err, "iam:GetRolePolicy", bootstrap.KindRole, roleName)
		}
		doc, err := bootstrap.DecodePolicy(aws.ToString(out.PolicyDocument))
		if err != nil {
			return nil, err
		}
		docs[name] = doc
	}
	return docs, nil
}

// GetOpenIDConnectProvider implements bootstrap.IAMPlane.
func (p *Plane) GetOpenIDConnectProvider(ctx context.Context, arn string) (*bootstrap.LiveProvider, error) {
	out, err := p.iam.GetOpenIDConnectProvider(ctx, &iam.GetOpenIDConnectProviderInput{
		OpenIDConnectProviderArn: aws.String(arn),
	})
	if err != nil {
		return nil, classify(err, "iam:GetOpenIDConnectProvider", bootstrap.KindTrustProvider, arn)
	}
	// IAM returns the issuer without its scheme.
	u := aws.ToString(out.Url)
	if !strings.HasPrefix(u, "https://") {
		u = "https://" + u
	}
	return &bootstrap.LiveProvider{
		ARN:         arn,
		URL:         u,
		Audiences:   out.ClientIDList,
		Thumbprints: out.ThumbprintList,
		Tags:        fromIAMTags(out.Tags),
	}, nil
}

// CreateOpenIDConnectProvider implements bootstrap.IAMPlane.
func (p *Plane) CreateOpenIDConnectProvider(ctx context.Context, in *bootstrap.CreateProviderInput) (string, error) {
	out, err := p.iam.CreateOpenIDConnectProvider(ctx, &iam.CreateOpenIDConnectProviderInput{
		Url:            aws.String(in.URL),
		ClientIDList:   in.Audiences,
		ThumbprintList: in.Thumbprints,
		Tags:           toIAMTags(in.Tags),
	})
	if err != nil {
		return "", classify(err, "iam:CreateOpenIDConnectProvider", bootstrap.KindTrustProvider, in.URL)
	}
	return aws.ToString(out.OpenIDConnectProviderArn), nil
}

// UpdateOpenIDConnectProviderThumbprints implements bootstrap.IAMPlane.
func (p *Plane) UpdateOpenIDConnectProviderThumbprints(ctx context.Context, arn string, thumbprints []string) error {
	_, err := p.iam.UpdateOpenIDConnectProviderThumbprint(ctx, &iam.UpdateOpenIDConnectProviderThumbprintInput{
		OpenIDConnectProviderArn: aws.String(arn),
		ThumbprintList:           thumbprints,
	})
	return classify(err, "iam:UpdateOpenIDConnectProviderThumbprint", bootstrap.KindTrustProvider, arn)
}

// AddOpenIDConnectProviderAudience implements bootstrap.IAMPlane.
func (p *Plane) AddOpenIDConnectProviderAudience(ctx context.Context, arn, audience string) error {
	_, err := p.iam.AddClientIDToOpenIDConnectProvider(ctx, &iam.AddClientIDToOpenIDConnectProviderInput{
		OpenIDConnectProviderArn: aws.String(arn),
		ClientID:                 aws.String(audience),
	})
	return classify(err, "iam:AddClientIDToOpenIDConnectProvider", bootstrap.KindTrustProvider, arn)
}

// DeleteOpenIDConnectProvider implements bootstrap.IAMPlane.
func (p *Plane) DeleteOpenIDConnectProvider(ctx context.Context, arn string) error {
	_, err := p.iam.DeleteOpenIDConnectProvider(ctx, &iam.DeleteOpenIDConnectProviderInput{
		OpenIDConnectProviderArn: aws.String(arn),
	})
	return classify(err, "iam:DeleteOpenIDConnectProvider", bootstrap.KindTrustProvider, arn)
}
