package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

type credentialRecord struct {
	bun.BaseModel `bun:"table:pool_credentials,alias:pc"`

	ID                   int64      `bun:"id,pk,autoincrement"`
	SessionSecret        string     `bun:"session_secret,notnull"`
	SecretFingerprint    string     `bun:"secret_fingerprint,notnull"`
	AccessToken          string     `bun:"access_token,notnull"`
	AccessTokenExpiresAt *time.Time `bun:"access_token_expires_at,nullzero"`
	Email                string     `bun:"email,notnull"`
	Name                 string     `bun:"name,notnull"`
	Remark               string     `bun:"remark,notnull"`
	Credits              int        `bun:"credits,notnull"`
	PaygateTier          string     `bun:"paygate_tier,notnull"`
	ProjectID            string     `bun:"project_id,notnull"`
	ProjectName          string     `bun:"project_name,notnull"`
	ImageEnabled         bool       `bun:"image_enabled,notnull"`
	VideoEnabled         bool       `bun:"video_enabled,notnull"`
	ImageConcurrency     int        `bun:"image_concurrency,notnull"`
	VideoConcurrency     int        `bun:"video_concurrency,notnull"`
	IsActive             bool       `bun:"is_active,notnull"`
	UseCount             int        `bun:"use_count,notnull"`
	LastUsedAt           *time.Time `bun:"last_used_at,nullzero"`
	CreatedAt            time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt            time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type credentialStatsRecord struct {
	bun.BaseModel `bun:"table:pool_credential_stats,alias:pcs"`

	CredentialID          int64      `bun:"credential_id,pk"`
	ImageCount            int        `bun:"image_count,notnull"`
	VideoCount            int        `bun:"video_count,notnull"`
	ErrorCount            int        `bun:"error_count,notnull"`
	ConsecutiveErrorCount int        `bun:"consecutive_error_count,notnull"`
	TodayImageCount       int        `bun:"today_image_count,notnull"`
	TodayVideoCount       int        `bun:"today_video_count,notnull"`
	TodayErrorCount       int        `bun:"today_error_count,notnull"`
	TodayDate             string     `bun:"today_date,notnull"`
	LastSuccessAt         *time.Time `bun:"last_success_at,nullzero"`
	LastErrorAt           *time.Time `bun:"last_error_at,nullzero"`
	UpdatedAt             time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type projectRecord struct {
	bun.BaseModel `bun:"table:pool_projects,alias:pp"`

	ID           string    `bun:"id,pk"`
	ProjectID    string    `bun:"project_id,notnull"`
	CredentialID int64     `bun:"credential_id,notnull"`
	ProjectName  string    `bun:"project_name,notnull"`
	ToolName     string    `bun:"tool_name,notnull"`
	IsActive     bool      `bun:"is_active,notnull"`
	CreatedAt    time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt    time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type poolSettingRecord struct {
	bun.BaseModel `bun:"table:pool_settings,alias:ps"`

	Key       string    `bun:"setting_key,pk"`
	Value     string    `bun:"value,notnull"`
	UpdatedAt time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type throttleStateRecord struct {
	bun.BaseModel `bun:"table:pool_throttle_state,alias:pts"`

	ID             string     `bun:"id,pk"`
	Bucket         string     `bun:"bucket,notnull"`
	Limit          int        `bun:"limit_value,notnull"`
	Remaining      int        `bun:"remaining,notnull"`
	ResetAt        *time.Time `bun:"reset_at,nullzero"`
	ThrottledUntil *time.Time `bun:"throttled_until,nullzero"`
	LastStatus     int        `bun:"last_status,notnull"`
	Attempts       int        `bun:"attempts,notnull"`
	CreatedAt      time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt      time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}
