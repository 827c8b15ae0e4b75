package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/anirudhbiyani/cloud-bootstrap/pkg/logger"
)

// teardown removes one environment's resources by walking the teardown graph.
type teardown struct {
	o     *Orchestrator
	plane ControlPlane
	env   Environment
	force bool
	l     *logger.Logger
}

// teardownNode is the probed state of one graph node.
type teardownNode struct {
	key      string
	resource Resource
	state    ProbeState
	reason   string
	steps    []string

	// skip is set when the node exists but will not be acted on. kind is the
	// error kind reported for it.
	skip     string
	skipKind ErrorKind
	retain   bool

	role     *LiveRole
	bucket   *LiveBucket
	table    *LiveTable
	keys     []LiveKey
	aliases  []string
	provider *LiveProvider
}

func (n *teardownNode) acts() bool {
	return n.state == ProbeExists && n.skip == ""
}

// teardownPlan is the probed plan of a teardown. nodes are in deletion order.
type teardownPlan struct {
	graph *Graph
	nodes []*teardownNode
	byKey map[string]*teardownNode
}

// public renders the plan for dry runs: every resource that would be deleted,
// with its drain steps, and every existing resource left untouched.
func (p *teardownPlan) public(env string) *Plan {
	out := &Plan{Environment: env, Actions: []PlannedAction{}}
	for _, n := range p.nodes {
		switch {
		case n.acts():
			out.Actions = append(out.Actions, PlannedAction{
				Operation: "delete",
				Resource:  n.resource,
				Steps:     n.steps,
			})
		case n.state == ProbeConflicting:
			out.Skipped = append(out.Skipped, PlannedAction{
				Operation: "skip",
				Resource:  n.resource,
				Reason:    "conflicting: " + n.reason,
			})
		case n.state == ProbeExists:
			op := "skip"
			if n.retain {
				op = "retain"
			}
			out.Skipped = append(out.Skipped, PlannedAction{Operation: op, Resource: n.resource, Reason: n.skip})
		}
	}
	return out
}

// plan probes every node of the teardown graph. It never mutates.
func (t *teardown) plan(ctx context.Context) (*teardownPlan, error) {
	tiers := t.o.settings.TrustModel.Tiers()
	g, err := TeardownGraph(tiers)
	if err != nil {
		return nil, ErrInternal(err.Error())
	}
	order, _ := g.Order()
	p := &teardownPlan{graph: g, byKey: map[string]*teardownNode{}}

	probeFns := map[string]func(context.Context) (*teardownNode, error){
		NodeBucket:    t.planBucket,
		NodeLockTable: t.planTable,
		NodeKey:       t.planKey,
	}
	for _, tier := range tiers {
		tier := tier
		probeFns[RoleNode(tier)] = func(ctx context.Context) (*teardownNode, error) { return t.planRole(ctx, tier) }
	}

	for _, key := range order {
		if key == NodeProvider {
			continue
		}
		n, err := probeFns[key](ctx)
		if err != nil {
			return nil, err
		}
		n.key = key
		p.byKey[key] = n
	}
	// The provider scan needs to know which roles this teardown removes.
	n, err := t.planProvider(ctx, p)
	if err != nil {
		return nil, err
	}
	n.key = NodeProvider
	p.byKey[NodeProvider] = n

	for _, key := range order {
		p.nodes = append(p.nodes, p.byKey[key])
	}
	p.propagate()
	return p, nil
}

// propagate marks nodes whose prerequisites will not be removed. Nodes are in
// deletion order, so prerequisites are decided first.
func (p *teardownPlan) propagate() {
	for _, n := range p.nodes {
		if !n.acts() {
			continue
		}
		for _, pre := range p.graph.Prerequisites(n.key) {
			if reason := blocking(p.byKey[pre]); reason != "" {
				n.skip = reason
				n.skipKind = KindDependencyNotReady
				break
			}
		}
	}
}

// blocking returns why prerequisite n prevents its dependents from being
// deleted. Absent and conflicting nodes do not block: a resource we do not own
// is not ours to wait for.
func blocking(n *teardownNode) string {
	if n == nil || n.state != ProbeExists || n.acts() {
		return ""
	}
	return fmt.Sprintf("blocked by %s %s", n.resource.Kind, n.resource.Name)
}

func (t *teardown) planBucket(ctx context.Context) (*teardownNode, error) {
	probe, res, err := t.o.prober.ProbeBucket(ctx, t.plane, t.env)
	if err != nil {
		return nil, err
	}
	n := &teardownNode{resource: Resource{Kind: KindBucket, Name: res.Name}, state: ProbeAbsent}
	switch {
	case probe.State == ProbeExists:
		n.state, n.bucket = ProbeExists, probe.Current
		n.steps = []string{"s3:PutBucketVersioning(Suspended)", "s3:DeleteObjectVersions", "s3:AbortMultipartUpload", "s3:DeleteBucket"}
		objects, err := t.bucketHasObjects(ctx, res.Name)
		if err != nil {
			return nil, err
		}
		if objects && !t.force {
			n.skip = "bucket still holds objects; re-run with --force to purge them"
			n.skipKind = KindDependencyNotReady
		}
	case probe.State == ProbeConflicting && probe.Current != nil:
		// The suffixed bucket is in this account without our marker.
		n.state, n.reason = ProbeConflicting, probe.Reason
	case res.CanonicalConflict != "":
		n.resource.Name = res.Canonical
		n.state, n.reason = ProbeConflicting, res.CanonicalConflict
	}
	return n, nil
}

func (t *teardown) bucketHasObjects(ctx context.Context, name string) (bool, error) {
	page, err := retryValue(ctx, t.o.retry, "s3:ListObjectVersions", func(ctx context.Context) (*ObjectVersionPage, error) {
		return t.plane.ListObjectVersions(ctx, name, "")
	})
	if err != nil {
		return false, err
	}
	return len(page.Versions) > 0, nil
}

func (t *teardown) planTable(ctx context.Context) (*teardownNode, error) {
	probe, err := t.o.prober.ProbeLockTable(ctx, t.plane, t.env)
	if err != nil {
		return nil, err
	}
	n := &teardownNode{
		resource: Resource{Kind: KindLockTable, Name: t.o.settings.LockTableName(t.env.Name)},
		state:    probe.State,
		reason:   probe.Reason,
		table:    probe.Current,
	}
	if probe.Exists() {
		n.resource.ID = probe.Current.ARN
		n.steps = []string{"dynamodb:DeleteTable"}
	}
	return n, nil
}

// planKey collects the key behind the alias and every owned key that lost its
// alias. Keys already pending deletion are absent.
func (t *teardown) planKey(ctx context.Context) (*teardownNode, error) {
	alias := t.o.settings.KeyAlias(t.env.Name)
	n := &teardownNode{resource: Resource{Kind: KindKey, Name: alias}, state: ProbeAbsent}

	probe, err := t.o.prober.ProbeKey(ctx, t.plane, t.env)
	if err != nil {
		return nil, err
	}
	if probe.State == ProbeConflicting {
		n.state, n.reason = ProbeConflicting, probe.Reason
		return n, nil
	}
	seen := map[string]bool{}
	if probe.Exists() {
		n.aliases = append(n.aliases, probe.Current.Aliases...)
		if probe.Current.State != KeyStatePendingDeletion {
			n.keys = append(n.keys, *probe.Current)
		}
		seen[probe.Current.ID] = true
	}
	owned, err := t.o.prober.ownedKeys(ctx, t.plane, t.env)
	if err != nil {
		return nil, err
	}
	for _, k := range owned {
		if !seen[k.ID] {
			n.keys = append(n.keys, k)
			seen[k.ID] = true
		}
	}
	if len(n.keys) == 0 && len(n.aliases) == 0 {
		return n, nil
	}
	n.state = ProbeExists
	if len(n.keys) > 0 {
		n.resource.ID = n.keys[0].ARN
	}
	for _, a := range n.aliases {
		n.steps = append(n.steps, "kms:DeleteAlias "+a)
	}
	for _, k := range n.keys {
		n.steps = append(n.steps, "kms:ScheduleKeyDeletion "+k.ID)
	}
	return n, nil
}

func (t *teardown) planRole(ctx context.Context, tier Tier) (*teardownNode, error) {
	probe, err := t.o.prober.ProbeRole(ctx, t.plane, t.env, tier)
	if err != nil {
		return nil, err
	}
	n := &teardownNode{
		resource: Resource{Kind: KindRole, Name: t.o.settings.RoleName(tier, t.env.Name), Tier: tier},
		state:    probe.State,
		reason:   probe.Reason,
		role:     probe.Current,
	}
	if probe.Current != nil {
		n.resource.Name = probe.Current.Name
		n.resource.ID = probe.Current.ARN
	}
	if probe.Exists() {
		for _, arn := range probe.Current.ManagedPolicies {
			n.steps = append(n.steps, "iam:DetachRolePolicy "+arn)
		}
		for _, name := range sortedKeys(probe.Current.InlinePolicies) {
			n.steps = append(n.steps, "iam:DeleteRolePolicy "+name)
		}
		n.steps = append(n.steps, "iam:DeleteRole")
	}
	return n, nil
}

func (t *teardown) planProvider(ctx context.Context, p *teardownPlan) (*teardownNode, error) {
	probe, err := t.o.prober.ProbeProvider(ctx, t.plane, t.env)
	if err != nil {
		return nil, err
	}
	arn := t.o.settings.Provider.ARN(t.o.settings.Partition, t.env.AccountID)
	n := &teardownNode{
		resource: Resource{Kind: KindTrustProvider, Name: arn, ID: arn},
		state:    probe.State,
		reason:   probe.Reason,
		provider: probe.Current,
	}
	if !probe.Exists() {
		return n, nil
	}
	n.steps = []string{"reverse-reference scan", "iam:DeleteOpenIDConnectProvider"}

	deleting := map[string]bool{}
	for _, rn := range p.byKey {
		if rn.resource.Kind == KindRole && rn.acts() {
			deleting[rn.resource.Name] = true
		}
	}
	blockers, err := t.providerBlockers(ctx, arn, deleting)
	if err != nil {
		return nil, err
	}
	n.skip, n.retain, n.skipKind = blockers.decision()
	return n, nil
}

// referers are the roles still trusting a provider.
type referers struct {
	roles []string
	// foreign is set when at least one referencing role is not an owned role
	// of another environment of this project.
	foreign bool
}

// decision maps the reverse-reference scan onto the node: delete, retain as
// shared by other environments, or block.
func (r referers) decision() (skip string, retain bool, kind ErrorKind) {
	if len(r.roles) == 0 {
		return "", false, ""
	}
	names := strings.Join(r.roles, ", ")
	if !r.foreign {
		return "still trusted by roles of other environments: " + names, true, ""
	}
	return "still trusted by " + names, false, KindDependencyNotReady
}

// providerBlockers scans every role of the account for trust in arn. Roles in
// deleting are ignored.
func (t *teardown) providerBlockers(ctx context.Context, arn string, deleting map[string]bool) (referers, error) {
	roles, err := retryValue(ctx, t.o.retry, "iam:ListRoles", func(ctx context.Context) ([]LiveRole, error) {
		return t.plane.ListRoles(ctx)
	})
	if err != nil {
		return referers{}, err
	}
	var out referers
	for _, r := range roles {
		r := r
		if deleting[r.Name] || !containsFold(ReferencedPrincipals(r.TrustPolicy), arn) {
			continue
		}
		out.roles = append(out.roles, r.Name)
		live, err := retryValue(ctx, t.o.retry, "iam:GetRole", func(ctx context.Context) (*LiveRole, error) {
			return t.plane.GetRole(ctx, r.Name)
		})
		if IsNotFound(err) {
			continue
		}
		if err != nil {
			return referers{}, err
		}
		env := live.Tags[TagEnvironment]
		if t.o.prober.ownershipReason(live.Tags, "") != "" || env == "" || env == t.env.Name {
			out.foreign = true
		}
	}
	sort.Strings(out.roles)
	return out, nil
}

// execute walks the plan in deletion order. A node is attempted only when its
// prerequisites are gone; failures of independent nodes do not stop the walk.
func (t *teardown) execute(ctx context.Context, p *teardownPlan) []ResourceOutcome {
	outcomes := make([]ResourceOutcome, 0, len(p.nodes))
	final := map[string]ResourceOutcome{}
	for _, n := range p.nodes {
		out := t.executeNode(ctx, p, n, final)
		if out.Err != nil {
			out.Error = out.Err.Error()
			out.Kind = KindOf(out.Err)
			t.l.Error("teardown step failed",
				slog.String("resource_kind", string(n.resource.Kind)),
				slog.String("resource", n.resource.Name),
				slog.String("error_kind", string(out.Kind)),
				slog.Any("error", out.Err))
		}
		final[n.key] = out
		outcomes = append(outcomes, out)
	}
	return outcomes
}

func (t *teardown) executeNode(ctx context.Context, p *teardownPlan, n *teardownNode, final map[string]ResourceOutcome) ResourceOutcome {
	out := ResourceOutcome{Resource: n.resource, Final: StateAbsent}
	switch n.state {
	case ProbeAbsent:
		return out
	case ProbeConflicting:
		out.Final = StateConflicting
		out.Reason = n.reason
		out.Err = ErrConflicting(n.resource.Kind, n.resource.Name, n.reason)
		return out
	}
	out.Final = StateExists

	for _, pre := range p.graph.Prerequisites(n.key) {
		po, ok := final[pre]
		if ok && po.Final != StateAbsent && po.Final != StateConflicting && !po.Retained {
			out.Err = Errorf(KindDependencyNotReady, "blocked by %s %s", po.Resource.Kind, po.Resource.Name).
				WithResource(n.resource.Kind, n.resource.Name)
			return out
		}
	}
	if n.skipKind != "" && n.key != NodeProvider {
		out.Err = NewError(n.skipKind, n.skip).WithResource(n.resource.Kind, n.resource.Name)
		return out
	}
	if err := checkpoint(ctx); err != nil {
		out.Err = err
		return out
	}

	var err error
	switch n.resource.Kind {
	case KindBucket:
		err = t.destroyBucket(ctx, n, &out)
	case KindLockTable:
		err = t.destroyTable(ctx, n, &out)
	case KindKey:
		err = t.destroyKey(ctx, n, &out)
	case KindRole:
		err = t.destroyRole(ctx, n, &out)
	case KindTrustProvider:
		err = t.destroyProvider(ctx, n, &out)
	default:
		err = ErrInternal("no teardown for " + string(n.resource.Kind))
	}
	if err != nil {
		out.Err = err
		return out
	}
	if !out.Retained {
		out.Final = StateAbsent
		t.l.Info("deleted resource",
			slog.String("resource_kind", string(n.resource.Kind)),
			slog.String("resource", n.resource.Name))
	}
	return out
}

// step runs one control-plane mutation and records it. NotFound means the
// resource is already gone, which is what teardown wants.
func (t *teardown) step(ctx context.Context, out *ResourceOutcome, action string, fn func(context.Context) error) error {
	err := t.o.retry.do(ctx, action, fn)
	if err != nil && !IsNotFound(err) {
		return err
	}
	out.Steps = append(out.Steps, action)
	return nil
}

func (t *teardown) destroyBucket(ctx context.Context, n *teardownNode, out *ResourceOutcome) error {
	name := n.resource.Name
	if !t.force {
		objects, err := t.bucketHasObjects(ctx, name)
		if err != nil {
			return err
		}
		if objects {
			return NewError(KindDependencyNotReady, "bucket still holds objects; re-run with --force to purge them").
				WithResource(KindBucket, name)
		}
	}
	out.Final = StateDraining
	if n.bucket != nil && n.bucket.Versioning == VersioningEnabled {
		if err := t.step(ctx, out, "s3:PutBucketVersioning", func(ctx context.Context) error {
			return t.plane.SuspendVersioning(ctx, name)
		}); err != nil {
			return err
		}
	}

	purged := 0
	token := ""
	for {
		if err := checkpoint(ctx); err != nil {
			return err
		}
		page, err := retryValue(ctx, t.o.retry, "s3:ListObjectVersions", func(ctx context.Context) (*ObjectVersionPage, error) {
			return t.plane.ListObjectVersions(ctx, name, token)
		})
		if err != nil {
			return err
		}
		if len(page.Versions) > 0 {
			if err := t.o.retry.do(ctx, "s3:DeleteObjects", func(ctx context.Context) error {
				return t.plane.DeleteObjectVersions(ctx, name, page.Versions)
			}); err != nil {
				return err
			}
			purged += len(page.Versions)
		}
		if page.NextToken == "" {
			break
		}
		token = page.NextToken
	}
	if purged > 0 {
		out.Steps = append(out.Steps, fmt.Sprintf("s3:DeleteObjects (%d versions and delete markers)", purged))
	}

	uploads, err := retryValue(ctx, t.o.retry, "s3:ListMultipartUploads", func(ctx context.Context) ([]MultipartUpload, error) {
		return t.plane.ListMultipartUploads(ctx, name)
	})
	if err != nil {
		return err
	}
	for _, u := range uploads {
		u := u
		if err := t.step(ctx, out, "s3:AbortMultipartUpload", func(ctx context.Context) error {
			return t.plane.AbortMultipartUpload(ctx, name, u)
		}); err != nil {
			return err
		}
	}

	out.Final = StateDestroying
	return t.step(ctx, out, "s3:DeleteBucket", func(ctx context.Context) error {
		return t.plane.DeleteBucket(ctx, name)
	})
}

func (t *teardown) destroyTable(ctx context.Context, n *teardownNode, out *ResourceOutcome) error {
	out.Final = StateDestroying
	return t.step(ctx, out, "dynamodb:DeleteTable", func(ctx context.Context) error {
		return t.plane.DeleteTable(ctx, n.resource.Name)
	})
}

func (t *teardown) destroyKey(ctx context.Context, n *teardownNode, out *ResourceOutcome) error {
	out.Final = StateDraining
	for _, alias := range n.aliases {
		alias := alias
		if err := t.step(ctx, out, "kms:DeleteAlias", func(ctx context.Context) error {
			return t.plane.DeleteAlias(ctx, alias)
		}); err != nil {
			return err
		}
	}
	out.Final = StateDestroying
	for _, k := range n.keys {
		k := k
		if err := checkpoint(ctx); err != nil {
			return err
		}
		var at string
		err := t.step(ctx, out, "kms:ScheduleKeyDeletion", func(ctx context.Context) error {
			when, err := t.plane.ScheduleKeyDeletion(ctx, k.ID, t.o.settings.KeyDeletionWindowDays)
			if err == nil {
				at = when.UTC().Format("2006-01-02")
			}
			return err
		})
		if err != nil {
			return err
		}
		t.l.Info("scheduled key deletion",
			slog.String("resource", k.ARN),
			slog.String("deletion_date", at))
	}
	return nil
}

// destroyRole removes a role's attachments, then the role. The attachment list
// is re-read from the live role so nothing attached since probing is missed.
func (t *teardown) destroyRole(ctx context.Context, n *teardownNode, out *ResourceOutcome) error {
	name := n.resource.Name
	out.Final = StateDraining
	managed, err := retryValue(ctx, t.o.retry, "iam:ListAttachedRolePolicies", func(ctx context.Context) ([]string, error) {
		return t.plane.ListAttachedRolePolicies(ctx, name)
	})
	if IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, arn := range managed {
		arn := arn
		if err := t.step(ctx, out, "iam:DetachRolePolicy", func(ctx context.Context) error {
			return t.plane.DetachRolePolicy(ctx, name, arn)
		}); err != nil {
			return err
		}
	}
	inline, err := retryValue(ctx, t.o.retry, "iam:ListRolePolicies", func(ctx context.Context) (map[string]string, error) {
		return t.plane.ListRolePolicies(ctx, name)
	})
	if err != nil && !IsNotFound(err) {
		return err
	}
	for _, policy := range sortedKeys(inline) {
		policy := policy
		if err := t.step(ctx, out, "iam:DeleteRolePolicy", func(ctx context.Context) error {
			return t.plane.DeleteRolePolicy(ctx, name, policy)
		}); err != nil {
			return err
		}
	}

	remaining, err := retryValue(ctx, t.o.retry, "iam:ListAttachedRolePolicies", func(ctx context.Context) ([]string, error) {
		return t.plane.ListAttachedRolePolicies(ctx, name)
	})
	if err != nil && !IsNotFound(err) {
		return err
	}
	if len(remaining) > 0 {
		return Errorf(KindDependencyNotReady, "%d managed policies still attached", len(remaining)).
			WithResource(KindRole, name).WithAction("iam:DeleteRole")
	}
	out.Final = StateDestroying
	return t.step(ctx, out, "iam:DeleteRole", func(ctx context.Context) error {
		return t.plane.DeleteRole(ctx, name)
	})
}

// destroyProvider repeats the reverse-reference scan against live roles
// before deleting, so a role created since planning still protects it.
func (t *teardown) destroyProvider(ctx context.Context, n *teardownNode, out *ResourceOutcome) error {
	blockers, err := t.providerBlockers(ctx, n.resource.Name, nil)
	if err != nil {
		return err
	}
	out.Steps = append(out.Steps, "reverse-reference scan")
	skip, retain, kind := blockers.decision()
	switch {
	case retain:
		out.Retained = true
		out.Reason = skip
		t.l.Info("retaining shared trust provider",
			slog.String("resource", n.resource.Name),
			slog.Any("roles", blockers.roles))
		return nil
	case kind != "":
		return NewError(kind, skip).WithResource(KindTrustProvider, n.resource.Name)
	}
	out.Final = StateDestroying
	return t.step(ctx, out, "iam:DeleteOpenIDConnectProvider", func(ctx context.Context) error {
		return t.plane.DeleteOpenIDConnectProvider(ctx, n.resource.Name)
	})
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
