package query

import (
	"context"

	"github.com/goliatone/go-tokenpool/core"
)

type CredentialReader interface {
	GetCredential(ctx context.Context, id int64) (core.Credential, error)
	ListCredentials(ctx context.Context) ([]core.Credential, error)
	GetCredentialStats(ctx context.Context, id int64) (core.CredentialStats, error)
}

type PoolReader interface {
	Stats(ctx context.Context) (core.PoolStats, error)
	SelectCredential(ctx context.Context, capability core.Capability) (core.Credential, error)
}

type GetCredentialQuery struct {
	reader CredentialReader
}

func NewGetCredentialQuery(reader CredentialReader) *GetCredentialQuery {
	return &GetCredentialQuery{reader: reader}
}

func (q *GetCredentialQuery) Query(ctx context.Context, msg GetCredentialMessage) (core.Credential, error) {
	if q == nil || q.reader == nil {
		return core.Credential{}, queryDependencyError("query: credential reader is required")
	}
	return q.reader.GetCredential(ctx, msg.CredentialID)
}

type ListCredentialsQuery struct {
	reader CredentialReader
}

func NewListCredentialsQuery(reader CredentialReader) *ListCredentialsQuery {
	return &ListCredentialsQuery{reader: reader}
}

func (q *ListCredentialsQuery) Query(ctx context.Context, msg ListCredentialsMessage) ([]core.Credential, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: credential reader is required")
	}
	credentials, err := q.reader.ListCredentials(ctx)
	if err != nil || !msg.ActiveOnly {
		return credentials, err
	}
	active := make([]core.Credential, 0, len(credentials))
	for _, credential := range credentials {
		if credential.IsActive {
			active = append(active, credential)
		}
	}
	return active, nil
}

type GetCredentialStatsQuery struct {
	reader CredentialReader
}

func NewGetCredentialStatsQuery(reader CredentialReader) *GetCredentialStatsQuery {
	return &GetCredentialStatsQuery{reader: reader}
}

func (q *GetCredentialStatsQuery) Query(ctx context.Context, msg GetCredentialStatsMessage) (core.CredentialStats, error) {
	if q == nil || q.reader == nil {
		return core.CredentialStats{}, queryDependencyError("query: credential reader is required")
	}
	return q.reader.GetCredentialStats(ctx, msg.CredentialID)
}

type GetPoolStatsQuery struct {
	reader PoolReader
}

func NewGetPoolStatsQuery(reader PoolReader) *GetPoolStatsQuery {
	return &GetPoolStatsQuery{reader: reader}
}

func (q *GetPoolStatsQuery) Query(ctx context.Context, _ GetPoolStatsMessage) (core.PoolStats, error) {
	if q == nil || q.reader == nil {
		return core.PoolStats{}, queryDependencyError("query: pool reader is required")
	}
	return q.reader.Stats(ctx)
}

type SelectCredentialQuery struct {
	reader PoolReader
}

func NewSelectCredentialQuery(reader PoolReader) *SelectCredentialQuery {
	return &SelectCredentialQuery{reader: reader}
}

func (q *SelectCredentialQuery) Query(ctx context.Context, msg SelectCredentialMessage) (core.Credential, error) {
	if q == nil || q.reader == nil {
		return core.Credential{}, queryDependencyError("query: pool reader is required")
	}
	return q.reader.SelectCredential(ctx, msg.Capability)
}
