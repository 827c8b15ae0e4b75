// Package memory implements the bootstrap control plane in memory. It models
// several accounts sharing one global bucket namespace, enforces the deletion
// preconditions of the real services, and records every call so tests can
// assert on mutations, isolation and ordering.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/anirudhbiyani/cloud-bootstrap/pkg/bootstrap"
)

// Call is one recorded control-plane call.
type Call struct {
	Account  string
	Region   string
	Op       string
	Target   string
	Mutating bool
	Err      error
}

// Fault makes matching calls fail. Times is the number of calls that fail;
// zero fails every matching call.
type Fault struct {
	Op      string
	Account string
	Target  string
	Err     error
	Times   int

	hits int
}

// Cloud is an in-memory multi-account cloud.
type Cloud struct {
	mu         sync.Mutex
	accounts   map[string]*account
	buckets    map[string]*bucket
	faults     []*Fault
	calls      []Call
	violations []string
	hook       func(Call)
	seq        int

	// Now supplies time for key deletion dates.
	Now func() time.Time
	// PageSize bounds object version listings.
	PageSize int
	// Partition is used in generated ARNs.
	Partition string
}

type account struct {
	id        string
	roles     map[string]*role
	providers map[string]*provider
	tables    map[string]*table
	keys      map[string]*key
	aliases   map[string]string
}

type role struct {
	name       string
	arn        string
	trust      string
	maxSession int32
	tags       bootstrap.Tags
	managed    []string
	inline     map[string]string
}

type provider struct {
	arn         string
	url         string
	audiences   []string
	thumbprints []string
	tags        bootstrap.Tags
}

type table struct {
	name    string
	arn     string
	region  string
	hashKey string
	keyARN  string
	status  string
	tags    bootstrap.Tags
}

type key struct {
	id           string
	arn          string
	state        string
	rotation     bool
	deletionDate *time.Time
	tags         bootstrap.Tags
}

type bucket struct {
	name          string
	owner         string
	region        string
	versioning    string
	encryption    *bootstrap.BucketEncryption
	publicBlock   bool
	ownerEnforced bool
	tlsOnly       bool
	tags          bootstrap.Tags
	versions      []bootstrap.ObjectVersion
	uploads       []bootstrap.MultipartUpload
}

// New creates an empty cloud with the given accounts.
func New(accountIDs ...string) *Cloud {
	c := &Cloud{
		accounts:  map[string]*account{},
		buckets:   map[string]*bucket{},
		Now:       time.Now,
		PageSize:  1000,
		Partition: "aws",
	}
	for _, id := range accountIDs {
		c.AddAccount(id)
	}
	return c
}

// AddAccount registers an empty account.
func (c *Cloud) AddAccount(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.accounts[id]; ok {
		return
	}
	c.accounts[id] = &account{
		id:        id,
		roles:     map[string]*role{},
		providers: map[string]*provider{},
		tables:    map[string]*table{},
		keys:      map[string]*key{},
		aliases:   map[string]string{},
	}
}

// Plane returns the control plane of accountID in region. Its credentials
// resolve to accountID.
func (c *Cloud) Plane(accountID, region string) *Plane {
	return &Plane{c: c, account: accountID, caller: accountID, region: region}
}

// PlaneAs returns a plane for accountID whose credentials resolve to caller.
func (c *Cloud) PlaneAs(accountID, region, caller string) *Plane {
	return &Plane{c: c, account: accountID, caller: caller, region: region}
}

// Factory returns a plane factory over the cloud.
func (c *Cloud) Factory() bootstrap.PlaneFactory {
	return bootstrap.PlaneFactoryFunc(func(_ context.Context, t bootstrap.Target) (bootstrap.ControlPlane, error) {
		c.mu.Lock()
		_, ok := c.accounts[t.AccountID]
		c.mu.Unlock()
		if !ok {
			return nil, bootstrap.Errorf(bootstrap.KindAccessDenied, "no credentials for account %s", t.AccountID)
		}
		return c.Plane(t.AccountID, t.Region), nil
	})
}

// Inject adds a fault.
func (c *Cloud) Inject(f Fault) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fc := f
	c.faults = append(c.faults, &fc)
}

// Fail makes the next times calls of op fail with err.
func (c *Cloud) Fail(op string, err error, times int) {
	c.Inject(Fault{Op: op, Err: err, Times: times})
}

// ClearFaults removes every fault.
func (c *Cloud) ClearFaults() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults = nil
}

// OnMutation registers fn to run after every successful mutating call. It runs
// without the cloud lock held.
func (c *Cloud) OnMutation(fn func(Call)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hook = fn
}

// Calls returns the recorded calls.
func (c *Cloud) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// ResetCalls clears the call log.
func (c *Cloud) ResetCalls() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = nil
}

// Mutations returns the successful mutating calls recorded.
func (c *Cloud) Mutations() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Call
	for _, call := range c.calls {
		if call.Mutating && call.Err == nil {
			out = append(out, call)
		}
	}
	return out
}

// CallsFor returns the calls made against accountID.
func (c *Cloud) CallsFor(accountID string) []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Call
	for _, call := range c.calls {
		if call.Account == accountID {
			out = append(out, call)
		}
	}
	return out
}

// Violations returns the ordering violations observed: role deletions with
// policies still attached, and provider deletions while a role trusted them.
func (c *Cloud) Violations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.violations...)
}

func (c *Cloud) violate(format string, args ...interface{}) {
	c.violations = append(c.violations, fmt.Sprintf(format, args...))
}

func (c *Cloud) nextID(prefix string) string {
	c.seq++
	return fmt.Sprintf("%s-%04d", prefix, c.seq)
}

// fault returns the error of the first fault matching call.
func (c *Cloud) fault(call Call) error {
	for _, f := range c.faults {
		if f.Op != call.Op {
			continue
		}
		if f.Account != "" && f.Account != call.Account {
			continue
		}
		if f.Target != "" && f.Target != call.Target {
			continue
		}
		if f.Times > 0 && f.hits >= f.Times {
			continue
		}
		f.hits++
		return f.Err
	}
	return nil
}

// Seeding helpers. They bypass the call log.

// PutRole stores a role directly, as if created outside the orchestrator.
func (c *Cloud) PutRole(accountID, name, trust string, tags bootstrap.Tags, managed ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a := c.accounts[accountID]
	a.roles[name] = &role{
		name:       name,
		arn:        fmt.Sprintf("arn:%s:iam::%s:role/%s", c.Partition, accountID, name),
		trust:      trust,
		maxSession: 3600,
		tags:       copyTags(tags),
		managed:    append([]string(nil), managed...),
		inline:     map[string]string{},
	}
}

// PutBucket stores a bucket owned by accountID directly.
func (c *Cloud) PutBucket(accountID, name, region string, tags bootstrap.Tags) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buckets[name] = &bucket{name: name, owner: accountID, region: region, tags: copyTags(tags)}
}

// PutObject writes an object version into a bucket.
func (c *Cloud) PutObject(bucketName, objectKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.buckets[bucketName]
	vid := "null"
	if b.versioning == bootstrap.VersioningEnabled {
		vid = c.nextID("v")
	} else {
		b.removeVersion(objectKey, "null")
	}
	b.versions = append(b.versions, bootstrap.ObjectVersion{Key: objectKey, VersionID: vid})
}

// DeleteObject places a delete marker on a versioned object.
func (c *Cloud) DeleteObject(bucketName, objectKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.buckets[bucketName]
	b.versions = append(b.versions, bootstrap.ObjectVersion{Key: objectKey, VersionID: c.nextID("dm"), DeleteMarker: true})
}

// StartUpload begins a multipart upload.
func (c *Cloud) StartUpload(bucketName, objectKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.buckets[bucketName]
	b.uploads = append(b.uploads, bootstrap.MultipartUpload{Key: objectKey, UploadID: c.nextID("up")})
}

// Removal helpers simulate operators deleting resources by hand.

// RemoveTable deletes a lock table without going through the orchestrator.
func (c *Cloud) RemoveTable(accountID, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.accounts[accountID].tables, name)
}

// RemoveAlias deletes a key alias without going through the orchestrator.
func (c *Cloud) RemoveAlias(accountID, alias string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.accounts[accountID].aliases, alias)
}

// SetRoleTrust overwrites a role's trust policy.
func (c *Cloud) SetRoleTrust(accountID, name, trust string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accounts[accountID].roles[name].trust = trust
}

// DetachAll removes a role's managed policies.
func (c *Cloud) DetachAll(accountID, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accounts[accountID].roles[name].managed = nil
}

// Inventory reports what exists in an account. Keys pending deletion are left
// out.
type Inventory struct {
	Roles     []string
	Providers []string
	Tables    []string
	Keys      []string
	Aliases   []string
	Buckets   []string
}

// Inventory returns the resources of accountID.
func (c *Cloud) Inventory(accountID string) Inventory {
	c.mu.Lock()
	defer c.mu.Unlock()
	a := c.accounts[accountID]
	var inv Inventory
	for n := range a.roles {
		inv.Roles = append(inv.Roles, n)
	}
	for arn := range a.providers {
		inv.Providers = append(inv.Providers, arn)
	}
	for n := range a.tables {
		inv.Tables = append(inv.Tables, n)
	}
	for id, k := range a.keys {
		if k.state != bootstrap.KeyStatePendingDeletion {
			inv.Keys = append(inv.Keys, id)
		}
	}
	for alias := range a.aliases {
		inv.Aliases = append(inv.Aliases, alias)
	}
	for n, b := range c.buckets {
		if b.owner == accountID {
			inv.Buckets = append(inv.Buckets, n)
		}
	}
	for _, s := range [][]string{inv.Roles, inv.Providers, inv.Tables, inv.Keys, inv.Aliases, inv.Buckets} {
		sort.Strings(s)
	}
	return inv
}

// Empty reports whether the inventory holds nothing.
func (inv Inventory) Empty() bool {
	return len(inv.Roles)+len(inv.Providers)+len(inv.Tables)+len(inv.Keys)+len(inv.Aliases)+len(inv.Buckets) == 0
}

// KeyState returns the state of a key, or "" if it does not exist.
func (c *Cloud) KeyState(accountID, id string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if k, ok := c.accounts[accountID].keys[id]; ok {
		return k.state
	}
	return ""
}

// RoleTrust returns the trust policy of a role.
func (c *Cloud) RoleTrust(accountID, name string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.accounts[accountID].roles[name]; ok {
		return r.trust
	}
	return ""
}

func (b *bucket) removeVersion(objectKey, versionID string) bool {
	for i, v := range b.versions {
		if v.Key == objectKey && v.VersionID == versionID {
			b.versions = append(b.versions[:i], b.versions[i+1:]...)
			return true
		}
	}
	return false
}

func copyTags(t bootstrap.Tags) bootstrap.Tags {
	out := bootstrap.Tags{}
	for k, v := range t {
		out[k] = v
	}
	return out
}

func hasTags(have, want bootstrap.Tags) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

func providerHost(url string) string {
	return strings.TrimSuffix(strings.TrimPrefix(url, "https://"), "/")
}
