package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Fake is an in-memory API implementation. Every mutation is recorded in
// Calls, IDs are deterministic, and individual operations can be made to
// fail by name via FailOn.
type Fake struct {
	mu sync.Mutex

	// Calls lists operation names in invocation order.
	Calls []string

	// FailOn maps an operation name to the error its next invocation
	// returns. The entry is consumed on use, so a retry succeeds.
	FailOn map[string]error

	// StickyFailOn is like FailOn but never consumed.
	StickyFailOn map[string]error

	region   string
	seq      int
	networks map[string]*Network
	groups   map[string]bool
	keys     map[string]bool
	roles    map[string]bool
	profiles map[string]bool

	instances map[string]*Instance
	databases map[string]*Database
	buckets   map[string]bool

	// owner maps provider ID to project slug for ListManaged.
	owner map[string]string
	kind  map[string]string
}

// NewFake creates an empty fake provider homed in region.
func NewFake(region string) *Fake {
	return &Fake{
		FailOn:       make(map[string]error),
		StickyFailOn: make(map[string]error),
		region:       region,
		networks:     make(map[string]*Network),
		groups:       make(map[string]bool),
		keys:         make(map[string]bool),
		roles:        make(map[string]bool),
		profiles:     make(map[string]bool),
		instances:    make(map[string]*Instance),
		databases:    make(map[string]*Database),
		buckets:      make(map[string]bool),
		owner:        make(map[string]string),
		kind:         make(map[string]string),
	}
}

func (f *Fake) record(op string) error {
	f.Calls = append(f.Calls, op)
	if err, ok := f.FailOn[op]; ok {
		delete(f.FailOn, op)
		return err
	}
	if err, ok := f.StickyFailOn[op]; ok {
		return err
	}
	return nil
}

func (f *Fake) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%04d", prefix, f.seq)
}

// CallCount returns how many times an operation was invoked.
func (f *Fake) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if c == op {
			n++
		}
	}
	return n
}

func (f *Fake) EnsureNetwork(_ context.Context, spec NetworkSpec) (*Network, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("EnsureNetwork"); err != nil {
		return nil, err
	}
	if spec.UseDefault {
		return &Network{VPCID: "vpc-default", SubnetID: "subnet-default", Default: true}, nil
	}
	net := &Network{VPCID: f.nextID("vpc"), SubnetID: f.nextID("subnet")}
	f.networks[net.VPCID] = net
	f.owner[net.VPCID] = spec.ProjectSlug
	f.kind[net.VPCID] = "vpc"
	f.owner[net.SubnetID] = spec.ProjectSlug
	f.kind[net.SubnetID] = "subnet"
	return net, nil
}

func (f *Fake) DeleteNetwork(_ context.Context, vpcID, subnetID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteNetwork"); err != nil {
		return err
	}
	if vpcID == "vpc-default" {
		return nil
	}
	if _, ok := f.networks[vpcID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, vpcID)
	}
	delete(f.networks, vpcID)
	delete(f.owner, vpcID)
	delete(f.kind, vpcID)
	delete(f.owner, subnetID)
	delete(f.kind, subnetID)
	return nil
}

func (f *Fake) CreateSecurityGroup(_ context.Context, spec SecurityGroupSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateSecurityGroup"); err != nil {
		return "", err
	}
	id := f.nextID("sg")
	f.groups[id] = true
	f.owner[id] = spec.ProjectSlug
	f.kind[id] = "security_group"
	return id, nil
}

func (f *Fake) DeleteSecurityGroup(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteSecurityGroup"); err != nil {
		return err
	}
	if !f.groups[id] {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(f.groups, id)
	delete(f.owner, id)
	delete(f.kind, id)
	return nil
}

func (f *Fake) ImportKeyPair(_ context.Context, name, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ImportKeyPair"); err != nil {
		return "", err
	}
	f.keys[name] = true
	f.owner[name] = ""
	f.kind[name] = "key_pair"
	return name, nil
}

func (f *Fake) DeleteKeyPair(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteKeyPair"); err != nil {
		return err
	}
	if !f.keys[name] {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(f.keys, name)
	delete(f.owner, name)
	delete(f.kind, name)
	return nil
}

func (f *Fake) CreateRole(_ context.Context, spec RoleSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateRole"); err != nil {
		return "", err
	}
	f.roles[spec.RoleName] = true
	return spec.RoleName, nil
}

func (f *Fake) CreateInstanceProfile(_ context.Context, spec RoleSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateInstanceProfile"); err != nil {
		return "", err
	}
	f.profiles[spec.ProfileName] = true
	return spec.ProfileName, nil
}

func (f *Fake) DeleteRole(_ context.Context, roleName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteRole"); err != nil {
		return err
	}
	if !f.roles[roleName] {
		return fmt.Errorf("%w: %s", ErrNotFound, roleName)
	}
	delete(f.roles, roleName)
	return nil
}

func (f *Fake) DeleteInstanceProfile(_ context.Context, profileName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteInstanceProfile"); err != nil {
		return err
	}
	if !f.profiles[profileName] {
		return fmt.Errorf("%w: %s", ErrNotFound, profileName)
	}
	delete(f.profiles, profileName)
	return nil
}

func (f *Fake) LaunchInstance(_ context.Context, spec InstanceSpec) (*Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("LaunchInstance"); err != nil {
		return nil, err
	}
	inst := &Instance{
		ID:        f.nextID("i"),
		State:     "running",
		PublicIP:  "203.0.113.10",
		PrivateIP: "10.0.1.10",
	}
	f.instances[inst.ID] = inst
	f.owner[inst.ID] = spec.ProjectSlug
	f.kind[inst.ID] = "instance"
	return inst, nil
}

func (f *Fake) DescribeInstance(_ context.Context, id string) (*Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DescribeInstance"); err != nil {
		return nil, err
	}
	inst, ok := f.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	copied := *inst
	return &copied, nil
}

func (f *Fake) StartInstance(_ context.Context, id string) error {
	return f.setInstanceState(id, "StartInstance", "running")
}

func (f *Fake) StopInstance(_ context.Context, id string) error {
	return f.setInstanceState(id, "StopInstance", "stopped")
}

func (f *Fake) setInstanceState(id, op, state string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(op); err != nil {
		return err
	}
	inst, ok := f.instances[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	inst.State = state
	return nil
}

func (f *Fake) TerminateInstance(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("TerminateInstance"); err != nil {
		return err
	}
	if _, ok := f.instances[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(f.instances, id)
	delete(f.owner, id)
	delete(f.kind, id)
	return nil
}

func (f *Fake) CreateDatabase(_ context.Context, spec DatabaseSpec) (*Database, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateDatabase"); err != nil {
		return nil, err
	}
	db := &Database{
		Identifier: spec.ProjectSlug + "-db",
		State:      "available",
		Endpoint:   spec.ProjectSlug + "-db." + f.region + ".example.internal:5432",
	}
	f.databases[db.Identifier] = db
	f.owner[db.Identifier] = spec.ProjectSlug
	f.kind[db.Identifier] = "database"
	return db, nil
}

func (f *Fake) DescribeDatabase(_ context.Context, identifier string) (*Database, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DescribeDatabase"); err != nil {
		return nil, err
	}
	db, ok := f.databases[identifier]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, identifier)
	}
	copied := *db
	return &copied, nil
}

func (f *Fake) StartDatabase(_ context.Context, identifier string) error {
	return f.setDatabaseState(identifier, "StartDatabase", "available")
}

func (f *Fake) StopDatabase(_ context.Context, identifier string) error {
	return f.setDatabaseState(identifier, "StopDatabase", "stopped")
}

func (f *Fake) setDatabaseState(identifier, op, state string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(op); err != nil {
		return err
	}
	db, ok := f.databases[identifier]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, identifier)
	}
	db.State = state
	return nil
}

func (f *Fake) DeleteDatabase(_ context.Context, identifier string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteDatabase"); err != nil {
		return err
	}
	if _, ok := f.databases[identifier]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, identifier)
	}
	delete(f.databases, identifier)
	delete(f.owner, identifier)
	delete(f.kind, identifier)
	return nil
}

func (f *Fake) CreateBucket(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateBucket"); err != nil {
		return "", err
	}
	f.buckets[name] = true
	f.owner[name] = ""
	f.kind[name] = "bucket"
	return name, nil
}

func (f *Fake) DeleteBucket(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteBucket"); err != nil {
		return err
	}
	if !f.buckets[name] {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(f.buckets, name)
	delete(f.owner, name)
	delete(f.kind, name)
	return nil
}

func (f *Fake) ListManaged(_ context.Context, region string) ([]ManagedResource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ListManaged"); err != nil {
		return nil, err
	}
	if region != f.region {
		return nil, nil
	}
	var out []ManagedResource
	for id, kind := range f.kind {
		out = append(out, ManagedResource{
			Kind:        kind,
			ProviderID:  id,
			Region:      f.region,
			ProjectSlug: f.owner[id],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out, nil
}

func (f *Fake) Regions(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Regions"); err != nil {
		return nil, err
	}
	return []string{f.region, "us-east-1", "ap-southeast-2"}, nil
}
