package bootstrap

import (
	"sort"
	"strings"
	"time"
)

// Tier identifies a role's position in the role chain.
type Tier string

const (
	// TierBootstrap is the operator role used to run bootstrap itself.
	TierBootstrap Tier = "bootstrap"
	// TierOrchestration is the central hop assumed by CI in the tiered model.
	TierOrchestration Tier = "orchestration"
	// TierDeployment is the per-environment role that deploys infrastructure.
	TierDeployment Tier = "deployment"
	// TierReadOnly is the audit role.
	TierReadOnly Tier = "read_only"
)

// TrustModel selects how CI reaches the deployment role.
type TrustModel string

const (
	// TrustTiered chains provider -> orchestration role -> deployment role.
	TrustTiered TrustModel = "tiered"
	// TrustSingleHop lets the provider assume the deployment role directly.
	TrustSingleHop TrustModel = "single_hop"
)

// Tiers returns the tiers of the model in creation order. The orchestration
// role only exists in the tiered model.
func (m TrustModel) Tiers() []Tier {
	if m == TrustSingleHop {
		return []Tier{TierBootstrap, TierDeployment, TierReadOnly}
	}
	return []Tier{TierBootstrap, TierOrchestration, TierDeployment, TierReadOnly}
}

// Valid reports whether m is a known trust model.
func (m TrustModel) Valid() bool {
	return m == TrustTiered || m == TrustSingleHop
}

// EnvironmentStatus is the lifecycle status of an environment.
type EnvironmentStatus string

const (
	StatusUnbootstrapped EnvironmentStatus = "unbootstrapped"
	StatusBootstrapping  EnvironmentStatus = "bootstrapping"
	StatusReady          EnvironmentStatus = "ready"
	StatusTearingDown    EnvironmentStatus = "tearing_down"
)

// Environment is one deployment environment bound to a single account.
type Environment struct {
	Name      string            `json:"name"`
	AccountID string            `json:"account_id"`
	Region    string            `json:"region"`
	Nickname  string            `json:"nickname,omitempty"`
	Subject   string            `json:"subject,omitempty"`
	Status    EnvironmentStatus `json:"status"`
}

// Target returns the explicit account and region every operation runs against.
func (e Environment) Target() Target {
	return Target{AccountID: e.AccountID, Region: e.Region}
}

// Target addresses one account and region of the control plane.
type Target struct {
	AccountID string
	Region    string
}

// ResourceKind identifies the type of an addressable resource.
type ResourceKind string

const (
	KindTrustProvider ResourceKind = "trust_provider"
	KindRole          ResourceKind = "role"
	KindBucket        ResourceKind = "bucket"
	KindLockTable     ResourceKind = "lock_table"
	KindKey           ResourceKind = "key"
)

// Resource addresses a single resource in an environment's account.
type Resource struct {
	Kind ResourceKind `json:"kind"`
	Name string       `json:"name"`
	ID   string       `json:"id,omitempty"`
	Tier Tier         `json:"tier,omitempty"`
}

// Key returns the graph node identifier of the resource.
func (r Resource) Key() string {
	if r.Kind == KindRole && r.Tier != "" {
		return string(r.Kind) + ":" + string(r.Tier)
	}
	return string(r.Kind)
}

// LifecycleState is the state of an individual resource.
type LifecycleState string

const (
	StateAbsent      LifecycleState = "absent"
	StateCreating    LifecycleState = "creating"
	StateExists      LifecycleState = "exists"
	StateDraining    LifecycleState = "draining"
	StateDestroying  LifecycleState = "destroying"
	StateConflicting LifecycleState = "conflicting"
)

// ProbeState is the answer of the existence prober.
type ProbeState string

const (
	ProbeAbsent      ProbeState = "absent"
	ProbeExists      ProbeState = "exists"
	ProbeConflicting ProbeState = "conflicting"
)

// Probe is the result of probing one resource. Current is set when State is
// ProbeExists, and for conflicting resources when the live config could be read.
type Probe[T any] struct {
	State   ProbeState
	Current *T
	Reason  string
}

// Exists reports whether the probe found an owned resource.
func (p Probe[T]) Exists() bool { return p.State == ProbeExists }

// Lifecycle maps the probe onto the resource lifecycle.
func (p Probe[T]) Lifecycle() LifecycleState {
	switch p.State {
	case ProbeExists:
		return StateExists
	case ProbeConflicting:
		return StateConflicting
	default:
		return StateAbsent
	}
}

// Tags is a resource tag set.
type Tags map[string]string

// Ownership tag keys.
const (
	TagManagedBy   = "managed-by"
	TagProject     = "bootstrap:project"
	TagEnvironment = "bootstrap:environment"
	TagTier        = "bootstrap:tier"
	TagResource    = "bootstrap:resource"
	TagRunID       = "bootstrap:created-by-run"

	ManagedByValue = "cloud-bootstrap"
)

// Has reports whether t carries key with value.
func (t Tags) Has(key, value string) bool {
	v, ok := t[key]
	return ok && v == value
}

// merged returns a copy of t overlaid with other.
func (t Tags) merged(other Tags) Tags {
	out := make(Tags, len(t)+len(other))
	for k, v := range t {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// LiveProvider is the observed configuration of a federated trust provider.
type LiveProvider struct {
	ARN         string
	URL         string
	Audiences   []string
	Thumbprints []string
	Tags        Tags
}

// LiveRole is the observed configuration of a role.
type LiveRole struct {
	Name              string
	ARN               string
	TrustPolicy       string
	MaxSessionSeconds int32
	ManagedPolicies   []string
	InlinePolicies    map[string]string
	Tags              Tags
}

// BucketEncryption is the default encryption of a bucket.
type BucketEncryption struct {
	Algorithm        string
	KeyARN           string
	BucketKeyEnabled bool
}

// LiveBucket is the observed configuration of a state bucket.
type LiveBucket struct {
	Name                string
	Region              string
	Versioning          string
	Encryption          *BucketEncryption
	PublicAccessBlocked bool
	OwnerEnforced       bool
	TLSOnly             bool
	Tags                Tags
}

// Versioning statuses.
const (
	VersioningEnabled   = "Enabled"
	VersioningSuspended = "Suspended"
)

// LiveTable is the observed configuration of a lock table.
type LiveTable struct {
	Name      string
	ARN       string
	Status    string
	HashKey   string
	SSEKeyARN string
	Tags      Tags
}

// LiveKey is the observed configuration of an encryption key.
type LiveKey struct {
	ID              string
	ARN             string
	Aliases         []string
	State           string
	RotationEnabled bool
	DeletionDate    *time.Time
	Tags            Tags
}

// Key states observed by the prober.
const (
	KeyStateEnabled         = "Enabled"
	KeyStateDisabled        = "Disabled"
	KeyStatePendingDeletion = "PendingDeletion"
)

// RefAction records what a provisioner did to reach the desired state.
type RefAction string

const (
	ActionNoop    RefAction = "noop"
	ActionCreated RefAction = "created"
	ActionUpdated RefAction = "updated"
	ActionAdopted RefAction = "adopted"
)

// ProviderRef references an ensured trust provider.
type ProviderRef struct {
	ARN    string    `json:"arn"`
	URL    string    `json:"url"`
	Action RefAction `json:"action"`
}

// RoleRef references an ensured role.
type RoleRef struct {
	Tier   Tier      `json:"tier"`
	Name   string    `json:"name"`
	ARN    string    `json:"arn"`
	Action RefAction `json:"action"`
}

// BackendRef references an ensured state backend.
type BackendRef struct {
	Bucket            string    `json:"bucket"`
	LockTable         string    `json:"lock_table"`
	LockTableARN      string    `json:"lock_table_arn"`
	KeyID             string    `json:"key_id"`
	KeyARN            string    `json:"key_arn"`
	KeyAlias          string    `json:"key_alias"`
	VersioningEnabled bool      `json:"versioning_enabled"`
	EncryptionEnabled bool      `json:"encryption_enabled"`
	Action            RefAction `json:"action"`
}

// PlannedAction is one step a dry run would perform.
type PlannedAction struct {
	Operation string   `json:"operation"`
	Resource  Resource `json:"resource"`
	Steps     []string `json:"steps,omitempty"`
	Reason    string   `json:"reason,omitempty"`
}

// Plan is the result of a dry run. Skipped lists resources the run would
// leave untouched, such as conflicting resources.
type Plan struct {
	Environment string          `json:"environment"`
	Actions     []PlannedAction `json:"actions"`
	Skipped     []PlannedAction `json:"skipped,omitempty"`
}

// Resources returns the resources the plan would affect, sorted by key.
func (p *Plan) Resources() []Resource {
	out := make([]Resource, 0, len(p.Actions))
	for _, a := range p.Actions {
		out = append(out, a.Resource)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// sameSet compares two string lists as case-insensitive sets.
func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for _, v := range a {
		if !containsFold(b, v) {
			return false
		}
	}
	for _, v := range b {
		if !containsFold(a, v) {
			return false
		}
	}
	return true
}
