package bootstrap

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// ProviderSpec describes the federated trust provider of every account.
type ProviderSpec struct {
	URL         string   `json:"url" yaml:"url"`
	Audiences   []string `json:"audiences" yaml:"audiences"`
	Thumbprints []string `json:"thumbprints" yaml:"thumbprints"`
}

// Host returns the issuer URL without its scheme.
func (p ProviderSpec) Host() string {
	h := strings.TrimPrefix(p.URL, "https://")
	return strings.TrimSuffix(h, "/")
}

// ARN returns the provider ARN in the given account. IAM keys OIDC providers
// by issuer, so the ARN is fully determined by URL and account.
func (p ProviderSpec) ARN(partition, accountID string) string {
	return fmt.Sprintf("arn:%s:iam::%s:oidc-provider/%s", partitionOr(partition), accountID, p.Host())
}

// Validate checks the provider spec.
func (p ProviderSpec) Validate() error {
	if !strings.HasPrefix(p.URL, "https://") {
		return ErrValidation(fmt.Sprintf("provider url %q must use https", p.URL))
	}
	if len(p.Audiences) == 0 {
		return ErrValidation("provider requires at least one audience")
	}
	if len(p.Thumbprints) == 0 {
		return ErrValidation("provider requires at least one thumbprint")
	}
	for _, t := range p.Thumbprints {
		if !thumbprintPattern.MatchString(t) {
			return ErrValidation(fmt.Sprintf("thumbprint %q is not a 40 character hex SHA-1", t))
		}
	}
	return nil
}

// PermissionSet is the permissions attached to a role.
type PermissionSet struct {
	ManagedPolicies []string `json:"managed_policies,omitempty" yaml:"managed_policies"`
	InlinePolicy    string   `json:"inline_policy,omitempty" yaml:"inline_policy"`
}

// TierSettings overrides the defaults of one tier.
type TierSettings struct {
	PermissionSet     `yaml:",inline"`
	MaxSessionSeconds int32 `json:"max_session_seconds,omitempty" yaml:"max_session_seconds"`
}

// RoleSpec is the desired state of one role.
type RoleSpec struct {
	Tier              Tier
	Name              string
	Environment       string
	AccountID         string
	Trust             TrustPrincipal
	Permissions       PermissionSet
	InlinePolicyName  string
	MaxSessionSeconds int32
	Description       string
	Tags              Tags
}

// Settings is the orchestrator-wide desired state shared by all environments.
type Settings struct {
	Project               string
	Repository            string
	Partition             string
	TrustModel            TrustModel
	Provider              ProviderSpec
	ExternalToken         string
	RequireMFA            bool
	Tiers                 map[Tier]TierSettings
	KeyDeletionWindowDays int32
}

var (
	accountIDPattern  = regexp.MustCompile(`^[0-9]{12}$`)
	regionPattern     = regexp.MustCompile(`^[a-z]{2}(-gov|-iso[a-z]?)?-[a-z]+-[0-9]$`)
	projectPattern    = regexp.MustCompile(`^[a-z][a-z0-9-]{1,30}[a-z0-9]$`)
	envNamePattern    = regexp.MustCompile(`^[a-z][a-z0-9-]{0,15}$`)
	externalIDPattern = regexp.MustCompile(`^[\w+=,.@:/-]+$`)
	thumbprintPattern = regexp.MustCompile(`^[0-9a-fA-F]{40}$`)
)

// STS accepts external IDs of 2 to 1224 characters.
const (
	minExternalIDLen = 2
	maxExternalIDLen = 1224
)

// ValidAccountID reports whether id is a 12-digit account identifier.
func ValidAccountID(id string) bool { return accountIDPattern.MatchString(id) }

// ValidRegion reports whether r looks like a region name.
func ValidRegion(r string) bool { return regionPattern.MatchString(r) }

// ValidEnvironmentName reports whether name can be embedded in resource names.
func ValidEnvironmentName(name string) bool { return envNamePattern.MatchString(name) }

// Validate checks the settings. It never touches the control plane.
func (s Settings) Validate() error {
	if !projectPattern.MatchString(s.Project) {
		return ErrValidation(fmt.Sprintf("project %q must be 3-32 lowercase letters, digits or dashes", s.Project))
	}
	if !s.TrustModel.Valid() {
		return ErrValidation(fmt.Sprintf("unknown trust model %q", s.TrustModel))
	}
	if s.ExternalToken == "" {
		return ErrValidation("external token is required")
	}
	if n := len(s.ExternalToken); n < minExternalIDLen || n > maxExternalIDLen || !externalIDPattern.MatchString(s.ExternalToken) {
		return ErrValidation("external token must be 2-1224 characters of [A-Za-z0-9+=,.@:/_-]")
	}
	if err := s.Provider.Validate(); err != nil {
		return err
	}
	if s.KeyDeletionWindowDays != 0 && (s.KeyDeletionWindowDays < 7 || s.KeyDeletionWindowDays > 30) {
		return ErrValidation("key deletion window must be between 7 and 30 days")
	}
	for tier, ts := range s.Tiers {
		if err := validateSession(tier, ts.MaxSessionSeconds); err != nil {
			return err
		}
	}
	return nil
}

func validateSession(tier Tier, seconds int32) error {
	if seconds == 0 {
		return nil
	}
	upper := int32(43200)
	if tier == TierDeployment || tier == TierOrchestration {
		upper = 14400
	}
	if seconds < 3600 || seconds > upper {
		return ErrValidation(fmt.Sprintf("%s max session must be between 3600 and %d seconds", tier, upper))
	}
	return nil
}

// ValidateEnvironment checks an environment against the settings.
func (s Settings) ValidateEnvironment(env Environment) error {
	if !ValidEnvironmentName(env.Name) {
		return ErrValidation(fmt.Sprintf("environment name %q must be lowercase and at most 16 characters", env.Name))
	}
	if !ValidAccountID(env.AccountID) {
		return ErrValidation(fmt.Sprintf("environment %s: account ID %q must be 12 digits", env.Name, env.AccountID))
	}
	if !ValidRegion(env.Region) {
		return ErrValidation(fmt.Sprintf("environment %s: malformed region %q", env.Name, env.Region))
	}
	return ValidateSubject(s.Repository, s.subjectFor(env))
}

func (s Settings) subjectFor(env Environment) string {
	if env.Subject != "" {
		return env.Subject
	}
	return fmt.Sprintf("repo:%s:environment:%s", s.Repository, env.Name)
}

func (s Settings) audience() string {
	if len(s.Provider.Audiences) == 0 {
		return "sts.amazonaws.com"
	}
	return s.Provider.Audiences[0]
}

var tierSlugs = map[Tier]string{
	TierBootstrap:     "bootstrap",
	TierOrchestration: "orchestration",
	TierDeployment:    "deploy",
	TierReadOnly:      "readonly",
}

// RoleName is the canonical name of the role of tier in env.
func (s Settings) RoleName(tier Tier, env string) string {
	return fmt.Sprintf("%s-%s-%s", s.Project, tierSlugs[tier], env)
}

// RoleARN is the ARN a role named name has in accountID.
func (s Settings) RoleARN(accountID, name string) string {
	return fmt.Sprintf("arn:%s:iam::%s:role/%s", partitionOr(s.Partition), accountID, name)
}

// BucketName is the canonical state bucket name of env.
func (s Settings) BucketName(env string) string {
	return fmt.Sprintf("%s-tfstate-%s", s.Project, env)
}

// SuffixedBucketName is the bucket name used when the canonical name is taken
// by someone else. The suffix is derived from the account so reruns pick the
// same name.
func (s Settings) SuffixedBucketName(env, accountID string) string {
	sum := sha256.Sum256([]byte(accountID))
	suffix := "-" + hex.EncodeToString(sum[:])[:8]
	base := s.BucketName(env)
	if len(base)+len(suffix) > 63 {
		base = strings.TrimRight(base[:63-len(suffix)], "-")
	}
	return base + suffix
}

// LockTableName is the state lock table name of env.
func (s Settings) LockTableName(env string) string {
	return fmt.Sprintf("%s-tfstate-lock-%s", s.Project, env)
}

// KeyAlias is the alias of the state encryption key of env.
func (s Settings) KeyAlias(env string) string {
	return fmt.Sprintf("alias/%s-tfstate-%s", s.Project, env)
}

// ownershipTags are the markers the prober uses to decide ownership.
func (s Settings) ownershipTags(env string) Tags {
	return Tags{
		TagManagedBy:   ManagedByValue,
		TagProject:     s.Project,
		TagEnvironment: env,
	}
}

var defaultTiers = map[Tier]TierSettings{
	TierBootstrap: {
		PermissionSet:     PermissionSet{ManagedPolicies: []string{"arn:aws:iam::aws:policy/AdministratorAccess"}},
		MaxSessionSeconds: 3600,
	},
	TierOrchestration: {MaxSessionSeconds: 3600},
	TierDeployment: {
		PermissionSet:     PermissionSet{ManagedPolicies: []string{"arn:aws:iam::aws:policy/PowerUserAccess"}},
		MaxSessionSeconds: 3600,
	},
	TierReadOnly: {
		PermissionSet:     PermissionSet{ManagedPolicies: []string{"arn:aws:iam::aws:policy/ReadOnlyAccess"}},
		MaxSessionSeconds: 3600,
	},
}

func (s Settings) tierSettings(tier Tier) TierSettings {
	ts := defaultTiers[tier]
	if o, ok := s.Tiers[tier]; ok {
		if len(o.ManagedPolicies) > 0 {
			ts.ManagedPolicies = o.ManagedPolicies
		}
		if o.InlinePolicy != "" {
			ts.InlinePolicy = o.InlinePolicy
		}
		if o.MaxSessionSeconds != 0 {
			ts.MaxSessionSeconds = o.MaxSessionSeconds
		}
	}
	if p := partitionOr(s.Partition); p != "aws" {
		managed := make([]string, len(ts.ManagedPolicies))
		for i, arn := range ts.ManagedPolicies {
			managed[i] = strings.Replace(arn, "arn:aws:", "arn:"+p+":", 1)
		}
		ts.ManagedPolicies = managed
	}
	return ts
}

// chainInputs are the references a role spec depends on.
type chainInputs struct {
	providerARN      string
	orchestrationARN string
}

// RoleSpec computes the desired state of the role of tier in env. The trust
// principal is decided here and nowhere else.
func (s Settings) RoleSpec(env Environment, tier Tier, in chainInputs) (RoleSpec, error) {
	ts := s.tierSettings(tier)
	name := s.RoleName(tier, env.Name)
	federated := FederatedProvider{
		ProviderARN: in.providerARN,
		Host:        s.Provider.Host(),
		Condition: TrustCondition{
			Audience:       s.audience(),
			SubjectPattern: s.subjectFor(env),
		},
	}
	root := AccountRoot{
		Partition:  s.Partition,
		AccountID:  env.AccountID,
		ExternalID: s.ExternalToken,
		RequireMFA: s.RequireMFA,
	}

	var trust TrustPrincipal
	switch tier {
	case TierBootstrap, TierReadOnly:
		trust = root
	case TierOrchestration:
		if s.TrustModel != TrustTiered {
			return RoleSpec{}, ErrValidation("orchestration role only exists in the tiered trust model")
		}
		trust = federated
	case TierDeployment:
		if s.TrustModel == TrustSingleHop {
			trust = federated
		} else {
			if in.orchestrationARN == "" {
				return RoleSpec{}, ErrInternal("deployment role requires the orchestration role ARN")
			}
			trust = RoleARN{ARN: in.orchestrationARN, ExternalID: s.ExternalToken}
		}
	default:
		return RoleSpec{}, ErrValidation(fmt.Sprintf("unknown tier %q", tier))
	}

	perms := ts.PermissionSet
	if tier == TierOrchestration && perms.InlinePolicy == "" {
		perms.InlinePolicy = s.orchestrationPolicy(env)
	}
	tags := s.ownershipTags(env.Name).merged(Tags{TagTier: string(tier)})
	return RoleSpec{
		Tier:              tier,
		Name:              name,
		Environment:       env.Name,
		AccountID:         env.AccountID,
		Trust:             trust,
		Permissions:       perms,
		InlinePolicyName:  name + "-inline",
		MaxSessionSeconds: ts.MaxSessionSeconds,
		Description:       fmt.Sprintf("%s %s role for %s", s.Project, tier, env.Name),
		Tags:              tags,
	}, nil
}

// orchestrationPolicy lets the orchestration role assume only the deployment
// role of its own environment.
func (s Settings) orchestrationPolicy(env Environment) string {
	return fmt.Sprintf(`{"Version":"%s","Statement":[{"Effect":"Allow","Action":["sts:AssumeRole","sts:TagSession"],"Resource":"%s"}]}`,
		policyVersion, s.RoleARN(env.AccountID, s.RoleName(TierDeployment, env.Name)))
}
