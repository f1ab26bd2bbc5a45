package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/you-humble/boothscan/internal/domain"
)

// fetchImage reads the scan. A missing file cannot get better on retry, so
// it is fatal; any other read failure is transient.
func (o *orchestrator) fetchImage(ctx context.Context, ref string) ([]byte, error) {
	rc, _, err := o.blobs.Open(ctx, ref)
	if err != nil {
		return nil, classifyFetch(ctx, err)
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, classifyFetch(ctx, err)
	}
	if len(raw) == 0 {
		se := domain.NewImageProcessingError(fmt.Errorf("scan %s is empty", ref))
		se.Stage = domain.StageFetch
		return nil, se
	}

	return raw, nil
}

func classifyFetch(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return domain.AsStageError(domain.StageFetch, ctx.Err())
	}
	if errors.Is(err, domain.ErrBlobNotFound) {
		se := domain.NewImageProcessingError(err)
		se.Stage = domain.StageFetch
		return se
	}
	return domain.NewStorageError(domain.StageFetch, err)
}
