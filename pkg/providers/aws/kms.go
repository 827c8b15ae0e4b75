package aws

import (
	"context"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/anirudhbiyani/cloud-bootstrap/pkg/bootstrap"
)

func keyErr(err error, action, id string) error {
	return classify(err, action, bootstrap.KindKey, id)
}

func toKMSTags(tags bootstrap.Tags) []kmstypes.Tag {
	out := make([]kmstypes.Tag, 0, len(tags))
	for k, v := range tags {
		out = append(out, kmstypes.Tag{TagKey: aws.String(k), TagValue: aws.String(v)})
	}
	sort.Slice(out, func(i, j int) bool { return aws.ToString(out[i].TagKey) < aws.ToString(out[j].TagKey) })
	return out
}

func (p *Plane) keyTags(ctx context.Context, keyID string) (bootstrap.Tags, error) {
	tags := bootstrap.Tags{}
	in := &kms.ListResourceTagsInput{KeyId: aws.String(keyID)}
	for {
		out, err := p.kms.ListResourceTags(ctx, in)
		if err != nil {
			return nil, keyErr(err, "kms:ListResourceTags", keyID)
		}
		for _, t := range out.Tags {
			tags[aws.ToString(t.TagKey)] = aws.ToString(t.TagValue)
		}
		if !out.Truncated {
			return tags, nil
		}
		in.Marker = out.NextMarker
	}
}

func (p *Plane) keyAliases(ctx context.Context, keyID string) ([]string, error) {
	var aliases []string
	in := &kms.ListAliasesInput{KeyId: aws.String(keyID)}
	for {
		out, err := p.kms.ListAliases(ctx, in)
		if err != nil {
			return nil, keyErr(err, "kms:ListAliases", keyID)
		}
		for _, a := range out.Aliases {
			aliases = append(aliases, aws.ToString(a.AliasName))
		}
		if !out.Truncated {
			sort.Strings(aliases)
			return aliases, nil
		}
		in.Marker = out.NextMarker
	}
}

// liveKey completes key metadata with rotation status, tags and aliases.
func (p *Plane) liveKey(ctx context.Context, md *kmstypes.KeyMetadata) (*bootstrap.LiveKey, error) {
	id := aws.ToString(md.KeyId)
	k := &bootstrap.LiveKey{
		ID:           id,
		ARN:          aws.ToString(md.Arn),
		State:        string(md.KeyState),
		DeletionDate: md.DeletionDate,
	}
	// Rotation status cannot be read from keys that are not enabled.
	if md.KeyState == kmstypes.KeyStateEnabled {
		rot, err := p.kms.GetKeyRotationStatus(ctx, &kms.GetKeyRotationStatusInput{KeyId: aws.String(id)})
		if err != nil {
			return nil, keyErr(err, "kms:GetKeyRotationStatus", id)
		}
		k.RotationEnabled = rot.KeyRotationEnabled
	}
	var err error
	if k.Tags, err = p.keyTags(ctx, id); err != nil {
		return nil, err
	}
	if k.Aliases, err = p.keyAliases(ctx, id); err != nil {
		return nil, err
	}
	return k, nil
}

// DescribeAlias implements bootstrap.KeyPlane.
func (p *Plane) DescribeAlias(ctx context.Context, alias string) (*bootstrap.LiveKey, error) {
	out, err := p.kms.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: aws.String(alias)})
	if err != nil {
		return nil, keyErr(err, "kms:DescribeKey", alias)
	}
	return p.liveKey(ctx, out.KeyMetadata)
}

// FindKeys implements bootstrap.KeyPlane. Keys whose tags cannot be read are
// not ours and are skipped.
func (p *Plane) FindKeys(ctx context.Context, tags bootstrap.Tags) ([]bootstrap.LiveKey, error) {
	var found []bootstrap.LiveKey
	pager := kms.NewListKeysPaginator(p.kms, &kms.ListKeysInput{})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, keyErr(err, "kms:ListKeys", "")
		}
		for _, entry := range page.Keys {
			id := aws.ToString(entry.KeyId)
			kt, err := p.keyTags(ctx, id)
			if bootstrap.IsKind(err, bootstrap.KindAccessDenied) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if !matchesTags(kt, tags) {
				continue
			}
			out, err := p.kms.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: aws.String(id)})
			if err != nil {
				return nil, keyErr(err, "kms:DescribeKey", id)
			}
			if out.KeyMetadata.KeyState == kmstypes.KeyStatePendingDeletion {
				continue
			}
			k, err := p.liveKey(ctx, out.KeyMetadata)
			if err != nil {
				return nil, err
			}
			found = append(found, *k)
		}
	}
	return found, nil
}

func matchesTags(have, want bootstrap.Tags) bool {
	for k, v := range want {
		if !have.Has(k, v) {
			return false
		}
	}
	return true
}

// CreateKey implements bootstrap.KeyPlane.
func (p *Plane) CreateKey(ctx context.Context, spec *bootstrap.KeySpec) (*bootstrap.LiveKey, error) {
	out, err := p.kms.CreateKey(ctx, &kms.CreateKeyInput{
		Description: aws.String(spec.Description),
		KeyUsage:    kmstypes.KeyUsageTypeEncryptDecrypt,
		KeySpec:     kmstypes.KeySpecSymmetricDefault,
		Tags:        toKMSTags(spec.Tags),
	})
	if err != nil {
		return nil, keyErr(err, "kms:CreateKey", "")
	}
	md := out.KeyMetadata
	tags := make(bootstrap.Tags, len(spec.Tags))
	for k, v := range spec.Tags {
		tags[k] = v
	}
	return &bootstrap.LiveKey{
		ID:    aws.ToString(md.KeyId),
		ARN:   aws.ToString(md.Arn),
		State: string(md.KeyState),
		Tags:  tags,
	}, nil
}

// EnableKeyRotation implements bootstrap.KeyPlane.
func (p *Plane) EnableKeyRotation(ctx context.Context, keyID string) error {
	_, err := p.kms.EnableKeyRotation(ctx, &kms.EnableKeyRotationInput{KeyId: aws.String(keyID)})
	return keyErr(err, "kms:EnableKeyRotation", keyID)
}

// CreateAlias implements bootstrap.KeyPlane.
func (p *Plane) CreateAlias(ctx context.Context, alias, keyID string) error {
	_, err := p.kms.CreateAlias(ctx, &kms.CreateAliasInput{
		AliasName:   aws.String(alias),
		TargetKeyId: aws.String(keyID),
	})
	return keyErr(err, "kms:CreateAlias", alias)
}

// DeleteAlias implements bootstrap.KeyPlane.
func (p *Plane) DeleteAlias(ctx context.Context, alias string) error {
	_, err := p.kms.DeleteAlias(ctx, &kms.DeleteAliasInput{AliasName: aws.String(alias)})
	return keyErr(err, "kms:DeleteAlias", alias)
}

// ScheduleKeyDeletion implements bootstrap.KeyPlane. Scheduling a key that is
// already pending deletion returns its existing deletion date.
func (p *Plane) ScheduleKeyDeletion(ctx context.Context, keyID string, windowDays int32) (time.Time, error) {
	out, err := p.kms.ScheduleKeyDeletion(ctx, &kms.ScheduleKeyDeletionInput{
		KeyId:               aws.String(keyID),
		PendingWindowInDays: aws.Int32(windowDays),
	})
	if err == nil {
		return aws.ToTime(out.DeletionDate), nil
	}
	cerr := keyErr(err, "kms:ScheduleKeyDeletion", keyID)
	if !bootstrap.IsKind(cerr, bootstrap.KindDependencyNotReady) {
		return time.Time{}, cerr
	}
	desc, derr := p.kms.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: aws.String(keyID)})
	if derr != nil {
		return time.Time{}, cerr
	}
	if md := desc.KeyMetadata; md.KeyState == kmstypes.KeyStatePendingDeletion {
		return aws.ToTime(md.DeletionDate), nil
	}
	return time.Time{}, cerr
}
