// Package provider defines the boundary between the orchestration engine and
// a cloud vendor. The engine speaks only this interface; the fake
// implementation backs every test, and real vendor adapters plug in behind
// the same surface.
package provider

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Describe and Delete operations when the
// resource no longer exists. Deleters treat it as success.
var ErrNotFound = errors.New("provider: resource not found")

// ErrThrottled marks a rate-limit rejection. Callers may retry with backoff.
var ErrThrottled = errors.New("provider: request throttled")

// NetworkSpec describes the dedicated network a project wants.
type NetworkSpec struct {
	ProjectSlug string
	VPCCIDR     string
	SubnetCIDR  string
	UseDefault  bool
}

// Network is the provisioned network pair.
type Network struct {
	VPCID    string
	SubnetID string
	// Default is set when the provider's default network was reused
	// instead of creating a dedicated one. Default networks are never
	// deleted on teardown.
	Default bool
}

// IngressRule mirrors one security-group ingress entry.
type IngressRule struct {
	Protocol string
	FromPort int
	ToPort   int
	CIDR     string
}

// SecurityGroupSpec describes the project security group.
type SecurityGroupSpec struct {
	ProjectSlug string
	VPCID       string
	Ingress     []IngressRule
}

// InstanceSpec describes the compute instance to launch.
type InstanceSpec struct {
	ProjectSlug     string
	SubnetID        string
	SecurityGroupID string
	KeyPairName     string
	ProfileName     string
	InstanceType    string
	ImageID         string
	UserData        string
}

// Instance is a launched compute instance.
type Instance struct {
	ID        string
	State     string
	PublicIP  string
	PrivateIP string
}

// DatabaseSpec describes the managed database to create.
type DatabaseSpec struct {
	ProjectSlug     string
	SubnetID        string
	SecurityGroupID string
	Engine          string
	Class           string
	StorageGB       int
}

// Database is a created managed database.
type Database struct {
	Identifier string
	State      string
	Endpoint   string
}

// RoleSpec describes the identity role and its instance profile.
type RoleSpec struct {
	ProjectSlug string
	RoleName    string
	ProfileName string
}

// ManagedResource is one resource discovered by a region scan. Only
// resources carrying the orchestrator's management tag are reported.
type ManagedResource struct {
	Kind        string
	ProviderID  string
	Region      string
	ProjectSlug string
	State       string
}

// API is the provider surface the engine depends on. Every call takes a
// context; implementations must honor cancellation. Creation calls are
// expected to tag resources so a later scan can find them.
type API interface {
	// Network.
	EnsureNetwork(ctx context.Context, spec NetworkSpec) (*Network, error)
	DeleteNetwork(ctx context.Context, vpcID, subnetID string) error

	// Security group.
	CreateSecurityGroup(ctx context.Context, spec SecurityGroupSpec) (string, error)
	DeleteSecurityGroup(ctx context.Context, id string) error

	// Key pair.
	ImportKeyPair(ctx context.Context, name, publicKey string) (string, error)
	DeleteKeyPair(ctx context.Context, name string) error

	// Identity role and instance profile.
	CreateRole(ctx context.Context, spec RoleSpec) (string, error)
	CreateInstanceProfile(ctx context.Context, spec RoleSpec) (string, error)
	DeleteRole(ctx context.Context, roleName string) error
	DeleteInstanceProfile(ctx context.Context, profileName string) error

	// Compute.
	LaunchInstance(ctx context.Context, spec InstanceSpec) (*Instance, error)
	DescribeInstance(ctx context.Context, id string) (*Instance, error)
	StartInstance(ctx context.Context, id string) error
	StopInstance(ctx context.Context, id string) error
	TerminateInstance(ctx context.Context, id string) error

	// Database.
	CreateDatabase(ctx context.Context, spec DatabaseSpec) (*Database, error)
	DescribeDatabase(ctx context.Context, identifier string) (*Database, error)
	StartDatabase(ctx context.Context, identifier string) error
	StopDatabase(ctx context.Context, identifier string) error
	DeleteDatabase(ctx context.Context, identifier string) error

	// Object storage.
	CreateBucket(ctx context.Context, name string) (string, error)
	DeleteBucket(ctx context.Context, name string) error

	// Discovery.
	ListManaged(ctx context.Context, region string) ([]ManagedResource, error)
	Regions(ctx context.Context) ([]string, error)
}
