package engine

import (
	"context"
	"fmt"

	"github.com/celerix-dev/crowdgate/pkg/sdk"
)

// Migrate copies every item of srcTable into dstTable, page by page.
// This works for:
// - Embedded -> DynamoDB (the "upgrade")
// - DynamoDB -> Embedded (backup / offline work)
// It returns the number of items copied. Items already present in dst with
// the same key are overwritten.
func Migrate(ctx context.Context, src sdk.Store, dst sdk.Store, srcTable, dstTable string) (int, error) {
	copied := 0
	token := ""
	for {
		page, err := src.Scan(ctx, srcTable, "", token)
		if err != nil {
			return copied, fmt.Errorf("failed to scan %s: %w", srcTable, err)
		}
		for _, item := range page.Items {
			if err := dst.Put(ctx, dstTable, item); err != nil {
				return copied, fmt.Errorf("failed to copy item into %s: %w", dstTable, err)
			}
			copied++
		}
		if page.Next == "" {
			return copied, nil
		}
		token = page.Next
	}
}
