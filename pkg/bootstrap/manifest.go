package bootstrap

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ManifestSchemaVersion is bumped on incompatible manifest changes.
const ManifestSchemaVersion = 1

// Snapshot is the probed state of every resource of one environment.
type Snapshot struct {
	Provider   Probe[LiveProvider]
	Roles      []RoleProbe
	Bucket     Probe[LiveBucket]
	Resolution BucketResolution
	LockTable  Probe[LiveTable]
	Key        Probe[LiveKey]
}

// RoleProbe is the probe of one tier's role.
type RoleProbe struct {
	Tier  Tier
	Probe Probe[LiveRole]
}

// Snapshot probes every resource of env. It never mutates.
func (o *Orchestrator) Snapshot(ctx context.Context, plane ControlPlane, env Environment) (*Snapshot, error) {
	p := o.prober
	snap := &Snapshot{}
	var err error
	if snap.Provider, err = p.ProbeProvider(ctx, plane, env); err != nil {
		return nil, err
	}
	for _, tier := range o.settings.TrustModel.Tiers() {
		rp, err := p.ProbeRole(ctx, plane, env, tier)
		if err != nil {
			return nil, err
		}
		snap.Roles = append(snap.Roles, RoleProbe{Tier: tier, Probe: rp})
	}
	if snap.Bucket, snap.Resolution, err = p.ProbeBucket(ctx, plane, env); err != nil {
		return nil, err
	}
	if snap.LockTable, err = p.ProbeLockTable(ctx, plane, env); err != nil {
		return nil, err
	}
	if snap.Key, err = p.ProbeKey(ctx, plane, env); err != nil {
		return nil, err
	}
	return snap, nil
}

// states returns the lifecycle state of every environment-scoped resource.
// The provider is shared by the account and is not included.
func (s *Snapshot) states() []LifecycleState {
	out := []LifecycleState{s.Bucket.Lifecycle(), s.LockTable.Lifecycle(), s.keyLifecycle()}
	for _, r := range s.Roles {
		out = append(out, r.Probe.Lifecycle())
	}
	return out
}

// keyLifecycle treats a key pending deletion as absent.
func (s *Snapshot) keyLifecycle() LifecycleState {
	if s.Key.Exists() && s.Key.Current.State == KeyStatePendingDeletion {
		return StateAbsent
	}
	return s.Key.Lifecycle()
}

// EnvironmentAbsent reports whether every environment-scoped resource is absent.
func (s *Snapshot) EnvironmentAbsent() bool {
	for _, st := range s.states() {
		if st != StateAbsent {
			return false
		}
	}
	return true
}

// AllAbsent reports whether nothing of the environment exists, the provider
// included.
func (s *Snapshot) AllAbsent() bool {
	return s.EnvironmentAbsent() && s.Provider.State == ProbeAbsent
}

// Complete reports whether every resource exists and is owned.
func (s *Snapshot) Complete() bool {
	if !s.Provider.Exists() {
		return false
	}
	for _, st := range s.states() {
		if st != StateExists {
			return false
		}
	}
	return true
}

// observedStatus derives the environment status from live state. A partial
// environment is never reported ready.
func (s *Snapshot) observedStatus(recorded EnvironmentStatus) EnvironmentStatus {
	switch {
	case s.Complete():
		return StatusReady
	case s.EnvironmentAbsent():
		return StatusUnbootstrapped
	case recorded == StatusTearingDown:
		return StatusTearingDown
	default:
		return StatusBootstrapping
	}
}

// Manifest is the machine-readable record of an environment's bootstrap
// resources. It is a projection of live state and can be regenerated at any
// time.
type Manifest struct {
	SchemaVersion            int               `json:"schema_version"`
	GeneratedAt              time.Time         `json:"generated_at"`
	Project                  string            `json:"project"`
	TrustModel               TrustModel        `json:"trust_model"`
	Environment              Environment       `json:"environment"`
	ExternalTokenFingerprint string            `json:"external_token_fingerprint"`
	Provider                 ResourceRecord    `json:"trust_provider"`
	Roles                    []RoleRecord      `json:"roles"`
	Backend                  BackendRecord     `json:"backend"`
	TerraformBackend         string            `json:"terraform_backend,omitempty"`
	Links                    map[string]string `json:"links,omitempty"`
}

// ResourceRecord is one resource in the manifest.
type ResourceRecord struct {
	Kind   ResourceKind   `json:"kind"`
	Name   string         `json:"name"`
	ID     string         `json:"id,omitempty"`
	State  LifecycleState `json:"state"`
	Reason string         `json:"reason,omitempty"`
}

// RoleRecord is one role in the manifest.
type RoleRecord struct {
	ResourceRecord
	Tier              Tier          `json:"tier"`
	Trust             PrincipalKind `json:"trust,omitempty"`
	MaxSessionSeconds int32         `json:"max_session_seconds,omitempty"`
	SwitchRoleURL     string        `json:"switch_role_url,omitempty"`
}

// BackendRecord is the state backend in the manifest.
type BackendRecord struct {
	Bucket            ResourceRecord `json:"bucket"`
	LockTable         ResourceRecord `json:"lock_table"`
	Key               ResourceRecord `json:"key"`
	Region            string         `json:"region"`
	VersioningEnabled bool           `json:"versioning_enabled"`
	EncryptionEnabled bool           `json:"encryption_enabled"`
	// CanonicalBucketTaken is set when the account-derived bucket name is
	// used because the canonical name is held elsewhere.
	CanonicalBucketTaken bool `json:"canonical_bucket_taken,omitempty"`
}

// Resources returns every resource record of the manifest.
func (m *Manifest) Resources() []ResourceRecord {
	out := []ResourceRecord{m.Provider}
	for _, r := range m.Roles {
		out = append(out, r.ResourceRecord)
	}
	return append(out, m.Backend.Key, m.Backend.LockTable, m.Backend.Bucket)
}

// Project projects a snapshot onto a manifest. It has no side effects.
func Project(env Environment, settings Settings, snap *Snapshot, at time.Time) *Manifest {
	m := &Manifest{
		SchemaVersion:            ManifestSchemaVersion,
		GeneratedAt:              at.UTC(),
		Project:                  settings.Project,
		TrustModel:               settings.TrustModel,
		Environment:              env,
		ExternalTokenFingerprint: TokenFingerprint(settings.ExternalToken),
		Links:                    map[string]string{},
	}

	providerARN := settings.Provider.ARN(settings.Partition, env.AccountID)
	m.Provider = record(KindTrustProvider, providerARN, snap.Provider.Lifecycle(), snap.Provider.Reason)
	if snap.Provider.Exists() {
		m.Provider.ID = snap.Provider.Current.ARN
	}

	for _, rp := range snap.Roles {
		rec := RoleRecord{
			ResourceRecord: record(KindRole, settings.RoleName(rp.Tier, env.Name), rp.Probe.Lifecycle(), rp.Probe.Reason),
			Tier:           rp.Tier,
		}
		if live := rp.Probe.Current; live != nil && rp.Probe.Exists() {
			rec.Name = live.Name
			rec.ID = live.ARN
			rec.Trust = trustKind(live.TrustPolicy)
			rec.MaxSessionSeconds = live.MaxSessionSeconds
			if rec.Trust != PrincipalFederated {
				rec.SwitchRoleURL = SwitchRoleURL(env, live.Name, settings.Project)
			}
		}
		m.Roles = append(m.Roles, rec)
	}

	b := BackendRecord{Region: env.Region, CanonicalBucketTaken: snap.Resolution.CanonicalTaken}
	b.Bucket = record(KindBucket, snap.Resolution.Name, snap.Bucket.Lifecycle(), snap.Bucket.Reason)
	if b.Bucket.Name == "" {
		b.Bucket.Name = settings.BucketName(env.Name)
	}
	if snap.Bucket.Exists() {
		live := snap.Bucket.Current
		b.Bucket.ID = live.Name
		b.VersioningEnabled = live.Versioning == VersioningEnabled
		b.EncryptionEnabled = live.Encryption != nil
	}
	b.LockTable = record(KindLockTable, settings.LockTableName(env.Name), snap.LockTable.Lifecycle(), snap.LockTable.Reason)
	if snap.LockTable.Exists() {
		b.LockTable.ID = snap.LockTable.Current.ARN
	}
	b.Key = record(KindKey, settings.KeyAlias(env.Name), snap.keyLifecycle(), snap.Key.Reason)
	if snap.Key.Exists() && b.Key.State == StateExists {
		b.Key.ID = snap.Key.Current.ARN
	}
	m.Backend = b

	if b.Bucket.State == StateExists && b.LockTable.State == StateExists && b.Key.State == StateExists {
		m.TerraformBackend = TerraformBackend(b.Bucket.ID, env.Name, env.Region, b.LockTable.Name, b.Key.ID)
		m.Links["state_bucket"] = fmt.Sprintf("https://s3.console.aws.amazon.com/s3/buckets/%s?region=%s", b.Bucket.ID, env.Region)
	}
	for _, r := range m.Roles {
		if r.SwitchRoleURL != "" {
			m.Links["switch_role_"+string(r.Tier)] = r.SwitchRoleURL
		}
	}
	if len(m.Links) == 0 {
		m.Links = nil
	}
	return m
}

func record(kind ResourceKind, name string, state LifecycleState, reason string) ResourceRecord {
	return ResourceRecord{Kind: kind, Name: name, State: state, Reason: reason}
}

// trustKind classifies the principal of a live trust policy.
func trustKind(doc string) PrincipalKind {
	pd, err := ParsePolicy(doc)
	if err != nil || len(pd.Statement) == 0 {
		return ""
	}
	p := pd.Statement[0].Principal
	if _, ok := p["Federated"]; ok {
		return PrincipalFederated
	}
	aws := stringValues(p["AWS"])
	switch {
	case len(aws) == 0:
		return ""
	case strings.HasSuffix(aws[0], ":root"):
		return PrincipalAccountRoot
	default:
		return PrincipalRoleARN
	}
}

// TokenFingerprint identifies an external token without revealing it.
func TokenFingerprint(token string) string {
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return "sha256:" + hex.EncodeToString(sum[:])[:12]
}

// SwitchRoleURL is the console link that switches into role in env's account.
func SwitchRoleURL(env Environment, role, project string) string {
	display := env.Nickname
	if display == "" {
		display = project + "-" + env.Name
	}
	q := url.Values{}
	q.Set("account", env.AccountID)
	q.Set("roleName", role)
	q.Set("displayName", display)
	return "https://signin.aws.amazon.com/switchrole?" + q.Encode()
}

// TerraformBackend renders the backend block pipelines use to store state in
// the environment's backend.
func TerraformBackend(bucket, env, region, table, keyARN string) string {
	var b strings.Builder
	b.WriteString("terraform {\n  backend \"s3\" {\n")
	fmt.Fprintf(&b, "    bucket         = %q\n", bucket)
	fmt.Fprintf(&b, "    key            = %q\n", env+"/terraform.tfstate")
	fmt.Fprintf(&b, "    region         = %q\n", region)
	fmt.Fprintf(&b, "    dynamodb_table = %q\n", table)
	fmt.Fprintf(&b, "    kms_key_id     = %q\n", keyARN)
	b.WriteString("    encrypt        = true\n  }\n}\n")
	return b.String()
}
