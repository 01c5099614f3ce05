package blueprint

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of one resource slot in a blueprint.
//
// Creation states (pending, creating, created, failed, skipped) are written
// only by the deployment orchestrator; teardown states (deleting, deleted)
// only by the deleter. The blueprint's author owns everything else before a
// deployment starts.
type Status string

const (
	StatusPending  Status = "pending"
	StatusCreating Status = "creating"
	StatusCreated  Status = "created"
	StatusFailed   Status = "failed"
	StatusSkipped  Status = "skipped"
	StatusDeleting Status = "deleting"
	StatusDeleted  Status = "deleted"
)

// validTransitions encodes the status machine. A zero-value ("") status is
// treated as pending for pre-existing documents.
var validTransitions = map[Status][]Status{
	"":             {StatusPending, StatusCreating, StatusSkipped},
	StatusPending:  {StatusCreating, StatusSkipped},
	StatusCreating: {StatusCreated, StatusFailed},
	StatusCreated:  {StatusDeleting, StatusFailed},
	StatusFailed:   {StatusCreating, StatusDeleting},
	StatusSkipped:  {StatusCreating},
	StatusDeleting: {StatusDeleted, StatusFailed},
	StatusDeleted:  {StatusCreating},
}

// CanTransition reports whether moving from s to next is a legal status
// change.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the status is an end state for its phase.
func (s Status) Terminal() bool {
	switch s {
	case StatusCreated, StatusFailed, StatusSkipped, StatusDeleted:
		return true
	}
	return false
}

// InFlight reports whether a resource is mid-operation. Projects with any
// in-flight slot are candidates for recovery on process start.
func (s Status) InFlight() bool {
	return s == StatusCreating || s == StatusDeleting
}

// Project holds blueprint-level identity and placement.
type Project struct {
	Name      string    `yaml:"name" validate:"required"`
	Slug      string    `yaml:"slug,omitempty"`
	Region    string    `yaml:"region" validate:"required"`
	Owner     string    `yaml:"owner,omitempty"`
	CreatedAt time.Time `yaml:"created_at,omitempty"`
	UpdatedAt time.Time `yaml:"updated_at,omitempty"`
}

// IngressRule is one allowed inbound flow on the project security group.
type IngressRule struct {
	Protocol string `yaml:"protocol" validate:"required,oneof=tcp udp icmp"`
	FromPort int    `yaml:"from_port" validate:"min=0,max=65535"`
	ToPort   int    `yaml:"to_port" validate:"min=0,max=65535"`
	CIDR     string `yaml:"cidr" validate:"required,cidr"`
}

// Network describes the VPC, subnet, and security group slots.
type Network struct {
	// UseDefault requests reuse of the provider's default network instead
	// of creating a dedicated one.
	UseDefault      bool          `yaml:"use_default,omitempty"`
	VPCID           string        `yaml:"vpc_id,omitempty"`
	VPCCIDR         string        `yaml:"vpc_cidr,omitempty" validate:"omitempty,cidr"`
	SubnetID        string        `yaml:"subnet_id,omitempty"`
	SubnetCIDR      string        `yaml:"subnet_cidr,omitempty" validate:"omitempty,cidr"`
	SecurityGroupID string        `yaml:"security_group_id,omitempty"`
	Ingress         []IngressRule `yaml:"ingress,omitempty" validate:"dive"`
	Status          Status        `yaml:"status,omitempty"`
	SecurityGroupStatus Status    `yaml:"security_group_status,omitempty"`
}

// Compute describes the instance slot.
type Compute struct {
	InstanceType string `yaml:"instance_type,omitempty"`
	ImageID      string `yaml:"image_id,omitempty"`
	UserData     string `yaml:"user_data,omitempty"`
	InstanceID   string `yaml:"instance_id,omitempty"`
	PublicIP     string `yaml:"public_ip,omitempty"`
	PrivateIP    string `yaml:"private_ip,omitempty"`
	Status       Status `yaml:"status,omitempty"`
}

// Database describes the optional managed database slot.
type Database struct {
	Engine     string `yaml:"engine,omitempty" validate:"omitempty,oneof=postgres mysql mariadb"`
	Class      string `yaml:"class,omitempty"`
	StorageGB  int    `yaml:"storage_gb,omitempty" validate:"omitempty,min=5,max=1024"`
	Identifier string `yaml:"identifier,omitempty"`
	Endpoint   string `yaml:"endpoint,omitempty"`
	Status     Status `yaml:"status,omitempty"`
}

// Bucket describes the optional object-storage slot.
type Bucket struct {
	Name   string `yaml:"name,omitempty"`
	Status Status `yaml:"status,omitempty"`
}

// Data groups the optional data-layer slots.
type Data struct {
	Database *Database `yaml:"database,omitempty"`
	Bucket   *Bucket   `yaml:"bucket,omitempty"`
}

// KeyPair describes the optional SSH key-pair slot.
type KeyPair struct {
	Name      string `yaml:"name,omitempty"`
	PublicKey string `yaml:"public_key,omitempty"`
	Status    Status `yaml:"status,omitempty"`
}

// IdentityRole describes the optional identity role + instance profile slot.
type IdentityRole struct {
	RoleName    string `yaml:"role_name,omitempty"`
	ProfileName string `yaml:"profile_name,omitempty"`
	RoleID      string `yaml:"role_id,omitempty"`
	ProfileID   string `yaml:"profile_id,omitempty"`
	Status      Status `yaml:"status,omitempty"`
}

// Certificate describes the optional TLS certificate slot.
type Certificate struct {
	Domain string `yaml:"domain,omitempty"`
	ARN    string `yaml:"arn,omitempty"`
	Status Status `yaml:"status,omitempty"`
}

// Security groups the key-pair, certificate, and identity slots.
type Security struct {
	KeyPair     *KeyPair      `yaml:"key_pair,omitempty"`
	Certificate *Certificate  `yaml:"certificate,omitempty"`
	Identity    *IdentityRole `yaml:"identity,omitempty"`
}

// Blueprint is the declarative description of one project's desired cloud
// topology and its last-known resource state. One document per project.
type Blueprint struct {
	Project  Project   `yaml:"project" validate:"required"`
	Network  Network   `yaml:"network"`
	Compute  *Compute  `yaml:"compute,omitempty"`
	Data     Data      `yaml:"data,omitempty"`
	Security Security  `yaml:"security,omitempty"`
}

// Slot names used across the tracker, the deployer, and status events.
// One slot per resource kind the blueprint can hold.
const (
	SlotVPC             = "vpc"
	SlotSubnet          = "subnet"
	SlotSecurityGroup   = "security_group"
	SlotKeyPair         = "key_pair"
	SlotRole            = "role"
	SlotInstanceProfile = "instance_profile"
	SlotInstance        = "instance"
	SlotDatabase        = "database"
	SlotBucket          = "bucket"
)

// HasInFlight reports whether any slot is mid-operation.
func (b *Blueprint) HasInFlight() bool {
	for _, s := range b.slotStatuses() {
		if s.InFlight() {
			return true
		}
	}
	return false
}

func (b *Blueprint) slotStatuses() []Status {
	statuses := []Status{b.Network.Status, b.Network.SecurityGroupStatus}
	if b.Compute != nil {
		statuses = append(statuses, b.Compute.Status)
	}
	if b.Data.Database != nil {
		statuses = append(statuses, b.Data.Database.Status)
	}
	if b.Data.Bucket != nil {
		statuses = append(statuses, b.Data.Bucket.Status)
	}
	if b.Security.KeyPair != nil {
		statuses = append(statuses, b.Security.KeyPair.Status)
	}
	if b.Security.Identity != nil {
		statuses = append(statuses, b.Security.Identity.Status)
	}
	return statuses
}

// SlotStatus returns the recorded status for a named slot.
func (b *Blueprint) SlotStatus(slot string) (Status, error) {
	switch slot {
	case SlotVPC, SlotSubnet:
		return b.Network.Status, nil
	case SlotSecurityGroup:
		return b.Network.SecurityGroupStatus, nil
	case SlotKeyPair:
		if b.Security.KeyPair == nil {
			return "", nil
		}
		return b.Security.KeyPair.Status, nil
	case SlotRole, SlotInstanceProfile:
		if b.Security.Identity == nil {
			return "", nil
		}
		return b.Security.Identity.Status, nil
	case SlotInstance:
		if b.Compute == nil {
			return "", nil
		}
		return b.Compute.Status, nil
	case SlotDatabase:
		if b.Data.Database == nil {
			return "", nil
		}
		return b.Data.Database.Status, nil
	case SlotBucket:
		if b.Data.Bucket == nil {
			return "", nil
		}
		return b.Data.Bucket.Status, nil
	}
	return "", fmt.Errorf("blueprint: unknown slot %q", slot)
}
