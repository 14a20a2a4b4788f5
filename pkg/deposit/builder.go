package deposit

import (
	"context"
	"fmt"
	"sort"

	"github.com/custodia/depositd/pkg/model"
	"github.com/custodia/depositd/pkg/store"
)

// Builder materializes the package-ready DepositSubmission projection
// of a submission: its file references resolved to content locations,
// plus the metadata an assembler needs
type Builder struct {
	Store store.Store
}

// Build projects the submission. It does not validate the file set;
// the caller's postcheck owns that decision.
func (b *Builder) Build(ctx context.Context, sub *model.Submission) (*model.DepositSubmission, error) {
	fileIDs, err := b.Store.FindByAttribute(ctx, model.KindFile, "submissionId", sub.ID)
	if err != nil {
		return nil, fmt.Errorf("finding files for submission %s: %w", sub.ID, err)
	}
	sort.Strings(fileIDs)

	ds := &model.DepositSubmission{
		ID:       sub.ID,
		Metadata: sub.Metadata,
	}

	for _, id := range fileIDs {
		f, err := store.ReadAs[*model.File](ctx, b.Store, model.KindFile, id)
		if err != nil {
			return nil, fmt.Errorf("reading file %s: %w", id, err)
		}
		ds.Files = append(ds.Files, model.DepositFile{
			Name:     f.Name,
			Location: f.Location,
			Role:     f.Role,
		})
		ds.Manifest = append(ds.Manifest, f.Name)
	}

	return ds, nil
}
