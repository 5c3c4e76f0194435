// Package cost estimates what an upload will cost before any byte is
// sent. The chunk count comes from the same planning logic the
// transfer layer uses, so the estimate and the actual upload can never
// disagree about chunk counts.
package cost

import (
	"context"
	"fmt"

	"github.com/antdist/antdist/pkg/network"
	"github.com/antdist/antdist/pkg/transfer"
)

// DefaultRedundancy is the replication factor the network applies per
// stored chunk.
const DefaultRedundancy = 5

// Cost breaks down an upload estimate.
type Cost struct {
	// Chunks is the number of chunk writes the upload performs,
	// DataMap chunks included.
	Chunks int
	// FeePerChunk is the network's current fee per stored chunk.
	FeePerChunk uint64
	// Redundancy is the replication factor applied.
	Redundancy uint64
	// Total is Chunks * FeePerChunk * Redundancy.
	Total uint64
}

// Estimate computes the cost of uploading data. It queries the
// network's per-chunk fee once and performs no write whatsoever.
func Estimate(ctx context.Context, handle *network.Handle, data []byte) (Cost, error) {
	client, err := handle.Client()
	if err != nil {
		return Cost{}, err
	}

	chunks, err := transfer.CountChunks(data)
	if err != nil {
		return Cost{}, fmt.Errorf("cost: %w", err)
	}

	fee, err := client.ChunkFee(ctx)
	if err != nil {
		return Cost{}, fmt.Errorf("cost: fee query: %w", err)
	}

	return Cost{
		Chunks:      chunks,
		FeePerChunk: fee,
		Redundancy:  DefaultRedundancy,
		Total:       uint64(chunks) * fee * DefaultRedundancy,
	}, nil
}
