package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/anirudhbiyani/cloud-bootstrap/pkg/bootstrap"
)

// Plane is the control plane of one account and region.
type Plane struct {
	c       *Cloud
	account string
	caller  string
	region  string
}

var _ bootstrap.ControlPlane = (*Plane)(nil)

func notFound(kind bootstrap.ResourceKind, id string) error {
	return bootstrap.NewError(bootstrap.KindNotFound, "resource does not exist").WithResource(kind, id)
}

func alreadyExists(kind bootstrap.ResourceKind, id string) error {
	return bootstrap.NewError(bootstrap.KindAlreadyExists, "resource already exists").WithResource(kind, id)
}

// do runs fn under the cloud lock after recording the call and consulting
// faults. The mutation hook runs after the lock is released.
func (p *Plane) do(ctx context.Context, op, target string, mutating bool, fn func(a *account) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := p.c
	c.mu.Lock()
	call := Call{Account: p.account, Region: p.region, Op: op, Target: target, Mutating: mutating}
	a, ok := c.accounts[p.account]
	var err error
	switch {
	case !ok:
		err = bootstrap.Errorf(bootstrap.KindAccessDenied, "account %s is not reachable", p.account)
	default:
		err = c.fault(call)
		if err == nil {
			err = fn(a)
		}
	}
	if err != nil {
		if e, ok := err.(*bootstrap.Error); ok && e.Action == "" {
			err = withAction(e, op)
		}
	}
	call.Err = err
	c.calls = append(c.calls, call)
	hook := c.hook
	c.mu.Unlock()

	if mutating && err == nil && hook != nil {
		hook(call)
	}
	return err
}

// withAction returns a copy of e naming the failing action. Injected faults
// are shared between calls, so e is never modified.
func withAction(e *bootstrap.Error, op string) *bootstrap.Error {
	cp := *e
	cp.Action = op
	return &cp
}

// CallerAccount implements bootstrap.IdentityPlane.
func (p *Plane) CallerAccount(ctx context.Context) (string, error) {
	err := p.do(ctx, "GetCallerIdentity", "", false, func(*account) error { return nil })
	if err != nil {
		return "", err
	}
	return p.caller, nil
}

// Roles

func (r *role) live() *bootstrap.LiveRole {
	return &bootstrap.LiveRole{
		Name:              r.name,
		ARN:               r.arn,
		TrustPolicy:       r.trust,
		MaxSessionSeconds: r.maxSession,
		Tags:              copyTags(r.tags),
	}
}

func (a *account) role(name string) (*role, error) {
	r, ok := a.roles[name]
	if !ok {
		return nil, notFound(bootstrap.KindRole, name)
	}
	return r, nil
}

// validateTrust rejects documents that do not parse, and trust policies
// naming roles that do not exist, as IAM does.
func (p *Plane) validateTrust(a *account, doc string) error {
	pd, err := bootstrap.ParsePolicy(doc)
	if err != nil || len(pd.Statement) == 0 {
		return bootstrap.NewError(bootstrap.KindValidation, "malformed policy document")
	}
	for _, principal := range bootstrap.ReferencedPrincipals(doc) {
		if i := strings.Index(principal, ":role/"); i >= 0 && strings.HasSuffix(principal[:i], ":"+a.id) {
			if _, ok := a.roles[principal[i+len(":role/"):]]; !ok {
				return bootstrap.Errorf(bootstrap.KindValidation, "invalid principal in policy: %s", principal)
			}
		}
	}
	return nil
}

// GetRole implements bootstrap.IAMPlane.
func (p *Plane) GetRole(ctx context.Context, name string) (*bootstrap.LiveRole, error) {
	var out *bootstrap.LiveRole
	err := p.do(ctx, "GetRole", name, false, func(a *account) error {
		r, err := a.role(name)
		if err != nil {
			return err
		}
		out = r.live()
		return nil
	})
	return out, err
}

// ListRoles implements bootstrap.IAMPlane. Like IAM, the listing carries
// trust policies but no tags.
func (p *Plane) ListRoles(ctx context.Context) ([]bootstrap.LiveRole, error) {
	var out []bootstrap.LiveRole
	err := p.do(ctx, "ListRoles", "", false, func(a *account) error {
		for _, r := range a.roles {
			lr := r.live()
			lr.Tags = nil
			out = append(out, *lr)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
		return nil
	})
	return out, err
}

// CreateRole implements bootstrap.IAMPlane.
func (p *Plane) CreateRole(ctx context.Context, in *bootstrap.CreateRoleInput) (*bootstrap.LiveRole, error) {
	var out *bootstrap.LiveRole
	err := p.do(ctx, "CreateRole", in.Name, true, func(a *account) error {
		for existing := range a.roles {
			if strings.EqualFold(existing, in.Name) {
				return alreadyExists(bootstrap.KindRole, in.Name)
			}
		}
		if err := p.validateTrust(a, in.TrustPolicy); err != nil {
			return err
		}
		session := in.MaxSessionDuration
		if session == 0 {
			session = 3600
		}
		r := &role{
			name:       in.Name,
			arn:        fmt.Sprintf("arn:%s:iam::%s:role/%s", p.c.Partition, a.id, in.Name),
			trust:      in.TrustPolicy,
			maxSession: session,
			tags:       copyTags(in.Tags),
			inline:     map[string]string{},
		}
		a.roles[in.Name] = r
		out = r.live()
		return nil
	})
	return out, err
}

// UpdateAssumeRolePolicy implements bootstrap.IAMPlane.
func (p *Plane) UpdateAssumeRolePolicy(ctx context.Context, name, document string) error {
	return p.do(ctx, "UpdateAssumeRolePolicy", name, true, func(a *account) error {
		r, err := a.role(name)
		if err != nil {
			return err
		}
		if err := p.validateTrust(a, document); err != nil {
			return err
		}
		r.trust = document
		return nil
	})
}

// UpdateMaxSessionDuration implements bootstrap.IAMPlane.
func (p *Plane) UpdateMaxSessionDuration(ctx context.Context, name string, seconds int32) error {
	return p.do(ctx, "UpdateRole", name, true, func(a *account) error {
		r, err := a.role(name)
		if err != nil {
			return err
		}
		if seconds < 3600 || seconds > 43200 {
			return bootstrap.Errorf(bootstrap.KindValidation, "max session duration %d out of range", seconds)
		}
		r.maxSession = seconds
		return nil
	})
}

// DeleteRole implements bootstrap.IAMPlane. Roles with policies attached are
// refused with a dependency error, and the attempt is recorded as a violation.
func (p *Plane) DeleteRole(ctx context.Context, name string) error {
	return p.do(ctx, "DeleteRole", name, true, func(a *account) error {
		r, err := a.role(name)
		if err != nil {
			return err
		}
		if len(r.managed) > 0 || len(r.inline) > 0 {
			p.c.violate("DeleteRole %s/%s with %d managed and %d inline policies attached",
				a.id, name, len(r.managed), len(r.inline))
			return bootstrap.NewError(bootstrap.KindDependencyNotReady, "cannot delete entity, must detach all policies first").
				WithResource(bootstrap.KindRole, name)
		}
		delete(a.roles, name)
		return nil
	})
}

// AttachRolePolicy implements bootstrap.IAMPlane.
func (p *Plane) AttachRolePolicy(ctx context.Context, roleName, policyARN string) error {
	return p.do(ctx, "AttachRolePolicy", roleName, true, func(a *account) error {
		r, err := a.role(roleName)
		if err != nil {
			return err
		}
		for _, m := range r.managed {
			if m == policyARN {
				return nil
			}
		}
		r.managed = append(r.managed, policyARN)
		return nil
	})
}

// DetachRolePolicy implements bootstrap.IAMPlane.
func (p *Plane) DetachRolePolicy(ctx context.Context, roleName, policyARN string) error {
	return p.do(ctx, "DetachRolePolicy", roleName, true, func(a *account) error {
		r, err := a.role(roleName)
		if err != nil {
			return err
		}
		for i, m := range r.managed {
			if m == policyARN {
				r.managed = append(r.managed[:i], r.managed[i+1:]...)
				return nil
			}
		}
		return bootstrap.NewError(bootstrap.KindNotFound, "policy is not attached").
			WithResource(bootstrap.KindRole, roleName)
	})
}

// ListAttachedRolePolicies implements bootstrap.IAMPlane.
func (p *Plane) ListAttachedRolePolicies(ctx context.Context, roleName string) ([]string, error) {
	var out []string
	err := p.do(ctx, "ListAttachedRolePolicies", roleName, false, func(a *account) error {
		r, err := a.role(roleName)
		if err != nil {
			return err
		}
		out = append([]string{}, r.managed...)
		return nil
	})
	return out, err
}

// PutRolePolicy implements bootstrap.IAMPlane.
func (p *Plane) PutRolePolicy(ctx context.Context, roleName, policyName, document string) error {
	return p.do(ctx, "PutRolePolicy", roleName, true, func(a *account) error {
		r, err := a.role(roleName)
		if err != nil {
			return err
		}
		if _, err := bootstrap.ParsePolicy(document); err != nil {
			return bootstrap.NewError(bootstrap.KindValidation, "malformed policy document")
		}
		r.inline[policyName] = document
		return nil
	})
}

// DeleteRolePolicy implements bootstrap.IAMPlane.
func (p *Plane) DeleteRolePolicy(ctx context.Context, roleName, policyName string) error {
	return p.do(ctx, "DeleteRolePolicy", roleName, true, func(a *account) error {
		r, err := a.role(roleName)
		if err != nil {
			return err
		}
		if _, ok := r.inline[policyName]; !ok {
			return notFound(bootstrap.KindRole, roleName+"/"+policyName)
		}
		delete(r.inline, policyName)
		return nil
	})
}

// ListRolePolicies implements bootstrap.IAMPlane.
func (p *Plane) ListRolePolicies(ctx context.Context, roleName string) (map[string]string, error) {
	out := map[string]string{}
	err := p.do(ctx, "ListRolePolicies", roleName, false, func(a *account) error {
		r, err := a.role(roleName)
		if err != nil {
			return err
		}
		for k, v := range r.inline {
			out[k] = v
		}
		return nil
	})
	return out, err
}

// Federated providers

func (a *account) provider(arn string) (*provider, error) {
	pr, ok := a.providers[arn]
	if !ok {
		return nil, notFound(bootstrap.KindTrustProvider, arn)
	}
	return pr, nil
}

// GetOpenIDConnectProvider implements bootstrap.IAMPlane.
func (p *Plane) GetOpenIDConnectProvider(ctx context.Context, arn string) (*bootstrap.LiveProvider, error) {
	var out *bootstrap.LiveProvider
	err := p.do(ctx, "GetOpenIDConnectProvider", arn, false, func(a *account) error {
		pr, err := a.provider(arn)
		if err != nil {
			return err
		}
		out = &bootstrap.LiveProvider{
			ARN:         pr.arn,
			URL:         pr.url,
			Audiences:   append([]string(nil), pr.audiences...),
			Thumbprints: append([]string(nil), pr.thumbprints...),
			Tags:        copyTags(pr.tags),
		}
		return nil
	})
	return out, err
}

// CreateOpenIDConnectProvider implements bootstrap.IAMPlane.
func (p *Plane) CreateOpenIDConnectProvider(ctx context.Context, in *bootstrap.CreateProviderInput) (string, error) {
	arn := fmt.Sprintf("arn:%s:iam::%s:oidc-provider/%s", p.c.Partition, p.account, providerHost(in.URL))
	err := p.do(ctx, "CreateOpenIDConnectProvider", arn, true, func(a *account) error {
		if _, ok := a.providers[arn]; ok {
			return alreadyExists(bootstrap.KindTrustProvider, arn)
		}
		a.providers[arn] = &provider{
			arn:         arn,
			url:         in.URL,
			audiences:   append([]string(nil), in.Audiences...),
			thumbprints: append([]string(nil), in.Thumbprints...),
			tags:        copyTags(in.Tags),
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return arn, nil
}

// UpdateOpenIDConnectProviderThumbprints implements bootstrap.IAMPlane.
func (p *Plane) UpdateOpenIDConnectProviderThumbprints(ctx context.Context, arn string, thumbprints []string) error {
	return p.do(ctx, "UpdateOpenIDConnectProviderThumbprint", arn, true, func(a *account) error {
		pr, err := a.provider(arn)
		if err != nil {
			return err
		}
		pr.thumbprints = append([]string(nil), thumbprints...)
		return nil
	})
}

// AddOpenIDConnectProviderAudience implements bootstrap.IAMPlane.
func (p *Plane) AddOpenIDConnectProviderAudience(ctx context.Context, arn, audience string) error {
	return p.do(ctx, "AddClientIDToOpenIDConnectProvider", arn, true, func(a *account) error {
		pr, err := a.provider(arn)
		if err != nil {
			return err
		}
		for _, aud := range pr.audiences {
			if aud == audience {
				return nil
			}
		}
		pr.audiences = append(pr.audiences, audience)
		return nil
	})
}

// DeleteOpenIDConnectProvider implements bootstrap.IAMPlane. IAM allows
// deleting a provider that roles still trust; the cloud allows it too but
// records a violation.
func (p *Plane) DeleteOpenIDConnectProvider(ctx context.Context, arn string) error {
	return p.do(ctx, "DeleteOpenIDConnectProvider", arn, true, func(a *account) error {
		if _, err := a.provider(arn); err != nil {
			return err
		}
		for _, r := range a.roles {
			for _, principal := range bootstrap.ReferencedPrincipals(r.trust) {
				if principal == arn {
					p.c.violate("DeleteOpenIDConnectProvider %s while role %s trusts it", arn, r.name)
				}
			}
		}
		delete(a.providers, arn)
		return nil
	})
}

// Buckets

func (p *Plane) ownedBucket(name string) (*bucket, error) {
	b, ok := p.c.buckets[name]
	if !ok {
		return nil, notFound(bootstrap.KindBucket, name)
	}
	if b.owner != p.account {
		return nil, bootstrap.NewError(bootstrap.KindAccessDenied, "access denied").WithResource(bootstrap.KindBucket, name)
	}
	return b, nil
}

// HeadBucket implements bootstrap.StoragePlane.
func (p *Plane) HeadBucket(ctx context.Context, name string) (bool, error) {
	owned := false
	err := p.do(ctx, "HeadBucket", name, false, func(*account) error {
		b, ok := p.c.buckets[name]
		if !ok {
			return notFound(bootstrap.KindBucket, name)
		}
		owned = b.owner == p.account
		return nil
	})
	return owned, err
}

// GetBucket implements bootstrap.StoragePlane.
func (p *Plane) GetBucket(ctx context.Context, name string) (*bootstrap.LiveBucket, error) {
	var out *bootstrap.LiveBucket
	err := p.do(ctx, "GetBucket", name, false, func(*account) error {
		b, err := p.ownedBucket(name)
		if err != nil {
			return err
		}
		out = &bootstrap.LiveBucket{
			Name:                b.name,
			Region:              b.region,
			Versioning:          b.versioning,
			PublicAccessBlocked: b.publicBlock,
			OwnerEnforced:       b.ownerEnforced,
			TLSOnly:             b.tlsOnly,
			Tags:                copyTags(b.tags),
		}
		if b.encryption != nil {
			enc := *b.encryption
			out.Encryption = &enc
		}
		return nil
	})
	return out, err
}

func (b *bucket) configure(spec *bootstrap.BucketSpec) {
	b.versioning = bootstrap.VersioningEnabled
	b.encryption = &bootstrap.BucketEncryption{Algorithm: "aws:kms", KeyARN: spec.KeyARN, BucketKeyEnabled: true}
	b.publicBlock = true
	b.ownerEnforced = true
	b.tlsOnly = true
}

// CreateBucket implements bootstrap.StoragePlane. A failure while applying the
// safety configuration removes the bucket again.
func (p *Plane) CreateBucket(ctx context.Context, spec *bootstrap.BucketSpec) error {
	err := p.do(ctx, "CreateBucket", spec.Name, true, func(*account) error {
		if _, ok := p.c.buckets[spec.Name]; ok {
			return alreadyExists(bootstrap.KindBucket, spec.Name)
		}
		p.c.buckets[spec.Name] = &bucket{name: spec.Name, owner: p.account, region: spec.Region, tags: copyTags(spec.Tags)}
		return nil
	})
	if err != nil {
		return err
	}
	cerr := p.do(ctx, "PutBucketConfiguration", spec.Name, true, func(*account) error {
		p.c.buckets[spec.Name].configure(spec)
		return nil
	})
	if cerr != nil {
		p.do(context.Background(), "DeleteBucket", spec.Name, true, func(*account) error {
			delete(p.c.buckets, spec.Name)
			return nil
		})
		return cerr
	}
	return nil
}

// ConfigureBucket implements bootstrap.StoragePlane.
func (p *Plane) ConfigureBucket(ctx context.Context, spec *bootstrap.BucketSpec) error {
	return p.do(ctx, "PutBucketConfiguration", spec.Name, true, func(*account) error {
		b, err := p.ownedBucket(spec.Name)
		if err != nil {
			return err
		}
		b.configure(spec)
		if len(spec.Tags) > 0 {
			b.tags = copyTags(spec.Tags)
		}
		return nil
	})
}

// SuspendVersioning implements bootstrap.StoragePlane.
func (p *Plane) SuspendVersioning(ctx context.Context, name string) error {
	return p.do(ctx, "PutBucketVersioning", name, true, func(*account) error {
		b, err := p.ownedBucket(name)
		if err != nil {
			return err
		}
		b.versioning = bootstrap.VersioningSuspended
		return nil
	})
}

func versionToken(v bootstrap.ObjectVersion) string {
	return v.Key + "\x00" + v.VersionID
}

// ListObjectVersions implements bootstrap.StoragePlane. The token is the
// marker of the last returned version, so deleting listed versions does not
// shift later pages.
func (p *Plane) ListObjectVersions(ctx context.Context, name, token string) (*bootstrap.ObjectVersionPage, error) {
	out := &bootstrap.ObjectVersionPage{}
	err := p.do(ctx, "ListObjectVersions", name, false, func(*account) error {
		b, err := p.ownedBucket(name)
		if err != nil {
			return err
		}
		sorted := append([]bootstrap.ObjectVersion(nil), b.versions...)
		sort.Slice(sorted, func(i, j int) bool { return versionToken(sorted[i]) < versionToken(sorted[j]) })
		for _, v := range sorted {
			if token != "" && versionToken(v) <= token {
				continue
			}
			if len(out.Versions) == p.c.PageSize {
				out.NextToken = versionToken(out.Versions[len(out.Versions)-1])
				break
			}
			out.Versions = append(out.Versions, v)
		}
		return nil
	})
	return out, err
}

// DeleteObjectVersions implements bootstrap.StoragePlane.
func (p *Plane) DeleteObjectVersions(ctx context.Context, name string, versions []bootstrap.ObjectVersion) error {
	return p.do(ctx, "DeleteObjects", name, true, func(*account) error {
		b, err := p.ownedBucket(name)
		if err != nil {
			return err
		}
		for _, v := range versions {
			b.removeVersion(v.Key, v.VersionID)
		}
		return nil
	})
}

// ListMultipartUploads implements bootstrap.StoragePlane.
func (p *Plane) ListMultipartUploads(ctx context.Context, name string) ([]bootstrap.MultipartUpload, error) {
	var out []bootstrap.MultipartUpload
	err := p.do(ctx, "ListMultipartUploads", name, false, func(*account) error {
		b, err := p.ownedBucket(name)
		if err != nil {
			return err
		}
		out = append(out, b.uploads...)
		return nil
	})
	return out, err
}

// AbortMultipartUpload implements bootstrap.StoragePlane.
func (p *Plane) AbortMultipartUpload(ctx context.Context, name string, upload bootstrap.MultipartUpload) error {
	return p.do(ctx, "AbortMultipartUpload", name, true, func(*account) error {
		b, err := p.ownedBucket(name)
		if err != nil {
			return err
		}
		for i, u := range b.uploads {
			if u.UploadID == upload.UploadID {
				b.uploads = append(b.uploads[:i], b.uploads[i+1:]...)
				return nil
			}
		}
		return bootstrap.NewError(bootstrap.KindNotFound, "no such upload").WithResource(bootstrap.KindBucket, name)
	})
}

// DeleteBucket implements bootstrap.StoragePlane.
func (p *Plane) DeleteBucket(ctx context.Context, name string) error {
	return p.do(ctx, "DeleteBucket", name, true, func(*account) error {
		b, err := p.ownedBucket(name)
		if err != nil {
			return err
		}
		if len(b.versions) > 0 || len(b.uploads) > 0 {
			return bootstrap.NewError(bootstrap.KindDependencyNotReady, "the bucket you tried to delete is not empty").
				WithResource(bootstrap.KindBucket, name)
		}
		delete(p.c.buckets, name)
		return nil
	})
}

// Lock tables

func (t *table) live() *bootstrap.LiveTable {
	return &bootstrap.LiveTable{
		Name:      t.name,
		ARN:       t.arn,
		Status:    t.status,
		HashKey:   t.hashKey,
		SSEKeyARN: t.keyARN,
		Tags:      copyTags(t.tags),
	}
}

// DescribeTable implements bootstrap.LockTablePlane.
func (p *Plane) DescribeTable(ctx context.Context, name string) (*bootstrap.LiveTable, error) {
	var out *bootstrap.LiveTable
	err := p.do(ctx, "DescribeTable", name, false, func(a *account) error {
		t, ok := a.tables[name]
		if !ok {
			return notFound(bootstrap.KindLockTable, name)
		}
		out = t.live()
		return nil
	})
	return out, err
}

// CreateTable implements bootstrap.LockTablePlane.
func (p *Plane) CreateTable(ctx context.Context, spec *bootstrap.TableSpec) (*bootstrap.LiveTable, error) {
	var out *bootstrap.LiveTable
	err := p.do(ctx, "CreateTable", spec.Name, true, func(a *account) error {
		if _, ok := a.tables[spec.Name]; ok {
			return alreadyExists(bootstrap.KindLockTable, spec.Name)
		}
		t := &table{
			name:    spec.Name,
			arn:     fmt.Sprintf("arn:%s:dynamodb:%s:%s:table/%s", p.c.Partition, p.region, a.id, spec.Name),
			region:  p.region,
			hashKey: spec.HashKey,
			keyARN:  spec.KeyARN,
			status:  bootstrap.TableActive,
			tags:    copyTags(spec.Tags),
		}
		a.tables[spec.Name] = t
		out = t.live()
		return nil
	})
	return out, err
}

// DeleteTable implements bootstrap.LockTablePlane.
func (p *Plane) DeleteTable(ctx context.Context, name string) error {
	return p.do(ctx, "DeleteTable", name, true, func(a *account) error {
		if _, ok := a.tables[name]; !ok {
			return notFound(bootstrap.KindLockTable, name)
		}
		delete(a.tables, name)
		return nil
	})
}

// Keys

func (a *account) liveKey(k *key) *bootstrap.LiveKey {
	lk := &bootstrap.LiveKey{
		ID:              k.id,
		ARN:             k.arn,
		State:           k.state,
		RotationEnabled: k.rotation,
		Tags:            copyTags(k.tags),
	}
	if k.deletionDate != nil {
		d := *k.deletionDate
		lk.DeletionDate = &d
	}
	for alias, id := range a.aliases {
		if id == k.id {
			lk.Aliases = append(lk.Aliases, alias)
		}
	}
	sort.Strings(lk.Aliases)
	return lk
}

// DescribeAlias implements bootstrap.KeyPlane.
func (p *Plane) DescribeAlias(ctx context.Context, alias string) (*bootstrap.LiveKey, error) {
	var out *bootstrap.LiveKey
	err := p.do(ctx, "DescribeKey", alias, false, func(a *account) error {
		id, ok := a.aliases[alias]
		if !ok {
			return notFound(bootstrap.KindKey, alias)
		}
		out = a.liveKey(a.keys[id])
		return nil
	})
	return out, err
}

// FindKeys implements bootstrap.KeyPlane.
func (p *Plane) FindKeys(ctx context.Context, tags bootstrap.Tags) ([]bootstrap.LiveKey, error) {
	var out []bootstrap.LiveKey
	err := p.do(ctx, "ListKeys", "", false, func(a *account) error {
		for _, k := range a.keys {
			if k.state != bootstrap.KeyStatePendingDeletion && hasTags(k.tags, tags) {
				out = append(out, *a.liveKey(k))
			}
		}
		return nil
	})
	return out, err
}

// CreateKey implements bootstrap.KeyPlane.
func (p *Plane) CreateKey(ctx context.Context, spec *bootstrap.KeySpec) (*bootstrap.LiveKey, error) {
	var out *bootstrap.LiveKey
	err := p.do(ctx, "CreateKey", "", true, func(a *account) error {
		id := p.c.nextID("key")
		k := &key{
			id:    id,
			arn:   fmt.Sprintf("arn:%s:kms:%s:%s:key/%s", p.c.Partition, p.region, a.id, id),
			state: bootstrap.KeyStateEnabled,
			tags:  copyTags(spec.Tags),
		}
		a.keys[id] = k
		out = a.liveKey(k)
		return nil
	})
	return out, err
}

func (a *account) key(id string) (*key, error) {
	k, ok := a.keys[id]
	if !ok {
		return nil, notFound(bootstrap.KindKey, id)
	}
	return k, nil
}

// EnableKeyRotation implements bootstrap.KeyPlane.
func (p *Plane) EnableKeyRotation(ctx context.Context, keyID string) error {
	return p.do(ctx, "EnableKeyRotation", keyID, true, func(a *account) error {
		k, err := a.key(keyID)
		if err != nil {
			return err
		}
		k.rotation = true
		return nil
	})
}

// CreateAlias implements bootstrap.KeyPlane.
func (p *Plane) CreateAlias(ctx context.Context, alias, keyID string) error {
	return p.do(ctx, "CreateAlias", alias, true, func(a *account) error {
		if _, ok := a.aliases[alias]; ok {
			return alreadyExists(bootstrap.KindKey, alias)
		}
		k, err := a.key(keyID)
		if err != nil {
			return err
		}
		if k.state == bootstrap.KeyStatePendingDeletion {
			return bootstrap.NewError(bootstrap.KindValidation, "key is pending deletion").WithResource(bootstrap.KindKey, keyID)
		}
		a.aliases[alias] = keyID
		return nil
	})
}

// DeleteAlias implements bootstrap.KeyPlane.
func (p *Plane) DeleteAlias(ctx context.Context, alias string) error {
	return p.do(ctx, "DeleteAlias", alias, true, func(a *account) error {
		if _, ok := a.aliases[alias]; !ok {
			return notFound(bootstrap.KindKey, alias)
		}
		delete(a.aliases, alias)
		return nil
	})
}

// ScheduleKeyDeletion implements bootstrap.KeyPlane. Scheduling a key that is
// already pending deletion returns its existing date.
func (p *Plane) ScheduleKeyDeletion(ctx context.Context, keyID string, windowDays int32) (time.Time, error) {
	var at time.Time
	err := p.do(ctx, "ScheduleKeyDeletion", keyID, true, func(a *account) error {
		if windowDays < 7 || windowDays > 30 {
			return bootstrap.Errorf(bootstrap.KindValidation, "pending window %d days out of range", windowDays)
		}
		k, err := a.key(keyID)
		if err != nil {
			return err
		}
		if k.state == bootstrap.KeyStatePendingDeletion {
			at = *k.deletionDate
			return nil
		}
		d := p.c.Now().Add(time.Duration(windowDays) * 24 * time.Hour).UTC()
		k.state = bootstrap.KeyStatePendingDeletion
		k.deletionDate = &d
		at = d
		return nil
	})
	return at, err
}
