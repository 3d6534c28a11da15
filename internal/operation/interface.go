package operation

import (
	"context"

	"github.com/mattjoyce/venvdeck/internal/journal"
	"github.com/mattjoyce/venvdeck/internal/pkgmgr"
)

//go:generate mockgen -destination=mocks/mock_journal.go -package=mocks github.com/mattjoyce/venvdeck/internal/operation Journal
//go:generate mockgen -destination=mocks/mock_runner.go -package=mocks github.com/mattjoyce/venvdeck/internal/runner Runner

// Journal persists finished operations and package snapshots.
type Journal interface {
	Record(ctx context.Context, e journal.Entry) error
	SaveSnapshot(ctx context.Context, envPath string, pkgs []pkgmgr.Package) error
	DeleteSnapshot(ctx context.Context, envPath string) error
	Snapshots(ctx context.Context) (map[string]journal.Snapshot, error)
}

type nopJournal struct{}

func (nopJournal) Record(context.Context, journal.Entry) error { return nil }
func (nopJournal) SaveSnapshot(context.Context, string, []pkgmgr.Package) error { return nil }
func (nopJournal) DeleteSnapshot(context.Context, string) error { return nil }
func (nopJournal) Snapshots(context.Context) (map[string]journal.Snapshot, error) {
	return nil, nil
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, any) {}
