package core

import (
	"fmt"
	"strings"
	"time"
)

// Capability is a class of work a credential can be enabled for and
// capacity-limited on.
type Capability string

const (
	CapabilityImage Capability = "image"
	CapabilityVideo Capability = "video"
)

// UnlimitedConcurrency disables the in-flight ceiling for a capability.
const UnlimitedConcurrency = -1

// Capabilities returns every capability known to the pool in a stable order.
func Capabilities() []Capability {
	return []Capability{CapabilityImage, CapabilityVideo}
}

func ParseCapability(value string) (Capability, error) {
	switch Capability(strings.ToLower(strings.TrimSpace(value))) {
	case CapabilityImage:
		return CapabilityImage, nil
	case CapabilityVideo:
		return CapabilityVideo, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidCapability, value)
	}
}

func (c Capability) Valid() bool {
	return c == CapabilityImage || c == CapabilityVideo
}

func (c Capability) String() string {
	return string(c)
}

// CapabilityPolicy holds the per-capability enable flags and concurrency caps.
// A cap of -1 is unconstrained; any n >= 0 is an absolute ceiling.
type CapabilityPolicy struct {
	ImageEnabled     bool
	VideoEnabled     bool
	ImageConcurrency int
	VideoConcurrency int
}

func (p CapabilityPolicy) Enabled(capability Capability) bool {
	switch capability {
	case CapabilityImage:
		return p.ImageEnabled
	case CapabilityVideo:
		return p.VideoEnabled
	default:
		return false
	}
}

func (p CapabilityPolicy) Limit(capability Capability) int {
	switch capability {
	case CapabilityImage:
		return p.ImageConcurrency
	case CapabilityVideo:
		return p.VideoConcurrency
	default:
		return 0
	}
}

func (p CapabilityPolicy) Validate() error {
	if p.ImageConcurrency < UnlimitedConcurrency {
		return fmt.Errorf("core: image concurrency must be -1 or a non-negative integer")
	}
	if p.VideoConcurrency < UnlimitedConcurrency {
		return fmt.Errorf("core: video concurrency must be -1 or a non-negative integer")
	}
	return nil
}

// Credential is one pooled account. The access token is always derived from
// the session secret through a successful exchange.
type Credential struct {
	ID                   int64
	SessionSecret        string
	AccessToken          string
	AccessTokenExpiresAt *time.Time

	Email  string
	Name   string
	Remark string

	Credits     int
	PaygateTier string

	ProjectID   string
	ProjectName string

	Policy CapabilityPolicy

	IsActive bool

	CreatedAt  time.Time
	LastUsedAt *time.Time
	UseCount   int
}

func (c Credential) Enabled(capability Capability) bool {
	return c.Policy.Enabled(capability)
}

func (c Credential) ConcurrencyLimit(capability Capability) int {
	return c.Policy.Limit(capability)
}

// CredentialStats carries the health counters of a credential. Only
// ConsecutiveErrorCount takes part in admission decisions.
type CredentialStats struct {
	CredentialID          int64
	ImageCount            int
	VideoCount            int
	ErrorCount            int
	ConsecutiveErrorCount int
	TodayImageCount       int
	TodayVideoCount       int
	TodayErrorCount       int
	TodayDate             string
	LastSuccessAt         *time.Time
	LastErrorAt           *time.Time
}

// StatKind selects the counter incremented by CredentialStore.IncrementStat.
type StatKind string

const (
	StatImageSuccess StatKind = "image_success"
	StatVideoSuccess StatKind = "video_success"
	StatError        StatKind = "error"
)

func SuccessStatFor(capability Capability) (StatKind, error) {
	switch capability {
	case CapabilityImage:
		return StatImageSuccess, nil
	case CapabilityVideo:
		return StatVideoSuccess, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidCapability, capability)
	}
}

// CredentialPatch lists the fields of a partial update. Nil fields are left untouched.
type CredentialPatch struct {
	SessionSecret        *string
	AccessToken          *string
	AccessTokenExpiresAt **time.Time
	Email                *string
	Name                 *string
	Remark               *string
	Credits              *int
	PaygateTier          *string
	ProjectID            *string
	ProjectName          *string
	ImageEnabled         *bool
	VideoEnabled         *bool
	ImageConcurrency     *int
	VideoConcurrency     *int
	IsActive             *bool
}

func (p CredentialPatch) Empty() bool {
	return p == (CredentialPatch{})
}

// Apply copies the set fields of the patch onto credential.
func (p CredentialPatch) Apply(credential *Credential) {
	if credential == nil {
		return
	}
	if p.SessionSecret != nil {
		credential.SessionSecret = *p.SessionSecret
	}
	if p.AccessToken != nil {
		credential.AccessToken = *p.AccessToken
	}
	if p.AccessTokenExpiresAt != nil {
		credential.AccessTokenExpiresAt = cloneTime(*p.AccessTokenExpiresAt)
	}
	if p.Email != nil {
		credential.Email = *p.Email
	}
	if p.Name != nil {
		credential.Name = *p.Name
	}
	if p.Remark != nil {
		credential.Remark = *p.Remark
	}
	if p.Credits != nil {
		credential.Credits = *p.Credits
	}
	if p.PaygateTier != nil {
		credential.PaygateTier = *p.PaygateTier
	}
	if p.ProjectID != nil {
		credential.ProjectID = *p.ProjectID
	}
	if p.ProjectName != nil {
		credential.ProjectName = *p.ProjectName
	}
	if p.ImageEnabled != nil {
		credential.Policy.ImageEnabled = *p.ImageEnabled
	}
	if p.VideoEnabled != nil {
		credential.Policy.VideoEnabled = *p.VideoEnabled
	}
	if p.ImageConcurrency != nil {
		credential.Policy.ImageConcurrency = *p.ImageConcurrency
	}
	if p.VideoConcurrency != nil {
		credential.Policy.VideoConcurrency = *p.VideoConcurrency
	}
	if p.IsActive != nil {
		credential.IsActive = *p.IsActive
	}
}

// Project is the billing/workspace context bound to a credential.
type Project struct {
	ID           string
	ProjectID    string
	CredentialID int64
	ProjectName  string
	ToolName     string
	IsActive     bool
	CreatedAt    time.Time
}

const DefaultProjectToolName = "PINHOLE"

// TokenExchange is the result of exchanging a session secret.
type TokenExchange struct {
	AccessToken string
	ExpiresAt   *time.Time
	Email       string
	Name        string
}

// Balance is the billing state reported by the external service.
type Balance struct {
	Credits     int
	PaygateTier string
}

// PoolStats summarizes the pool for reporting.
type PoolStats struct {
	TotalCredentials  int
	ActiveCredentials int
	InFlight          map[Capability]int
	TodayImageCount   int
	TodayVideoCount   int
	TodayErrorCount   int
	TotalImageCount   int
	TotalVideoCount   int
	TotalErrorCount   int
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	copied := value.UTC()
	return &copied
}

func stringPtr(value string) *string { return &value }

func intPtr(value int) *int { return &value }

func boolPtr(value bool) *bool { return &value }

func timePtrPtr(value *time.Time) **time.Time {
	copied := cloneTime(value)
	return &copied
}
