package dlock

import (
	"context"
	"fmt"

	"github.com/mirkobrombin/go-dlock/v1/docstore"
	dlockerrors "github.com/mirkobrombin/go-dlock/v1/errors"
)

// IndexSpecs returns the supporting indexes the lock collection needs. The
// compound indexes back the acquire and release filters; the covering index
// accelerates reaper scans.
func IndexSpecs() []docstore.IndexSpec {
	return []docstore.IndexSpec{
		{Name: "lastHeartbeatV1Idx", Fields: []string{"lastHeartbeat"}},
		{Name: "ownerAppNameV1Idx", Fields: []string{"ownerAppName"}},
		{Name: "stateV1Idx", Fields: []string{"state"}},
		{Name: "lockTokenV1Idx", Fields: []string{"lockToken"}},
		{Name: "nameStateV1Idx", Fields: []string{"name", "state"}},
		{Name: "nameTokenStateV1Idx", Fields: []string{"name", "lockToken", "state"}},
		{Name: "fullV1Idx", Fields: []string{
			"state", "lockToken",
			"ownerAppName", "ownerAddress", "ownerHostname",
			"ownerUnitId", "ownerUnitName", "ownerGroupName",
			"lockAcquiredTime", "lastHeartbeat", "updated",
			"lockAttemptCount", "inactiveLockTimeout", "libraryVersion",
		}},
	}
}

// Setup validates the manager configuration and idempotently ensures the
// supporting indexes. It must run once before the first lock operation and
// is safe to invoke repeatedly.
func (m *Manager) Setup(ctx context.Context) error {
	if m.store == nil {
		return fmt.Errorf("%w: store is required", dlockerrors.ErrConfiguration)
	}
	if m.appName == "" {
		return fmt.Errorf("%w: app name is required", dlockerrors.ErrConfiguration)
	}
	if m.inactiveTimeout <= 0 {
		return fmt.Errorf("%w: inactive timeout must be positive", dlockerrors.ErrConfiguration)
	}
	for _, spec := range IndexSpecs() {
		if err := m.store.EnsureIndex(ctx, spec); err != nil {
			return err
		}
	}
	return nil
}
