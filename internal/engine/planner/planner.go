// Package planner implements the range planner: splitting a download's
// remaining incomplete byte span into the parts a scheduler will hand
// out to connections, and re-splitting a single still-running range
// when a worker goes idle. Generalizes the teacher's
// concurrent.createTasks/calculateChunkSize (initial split) and
// concurrent.TaskQueue.SplitLargestIfNeeded/alignedSplitSize
// (mid-flight rebalancing) into the parts/parts_per/rem algorithm.
package planner

import "github.com/surge-downloader/surge/internal/engine/types"

// Plan splits [0, fileSize) into up to parts ranges of roughly equal
// size, aligned to types.AlignSize, honoring runtime's chunk-size
// bounds. If the file is too small to usefully split into parts,
// falls back to a single range covering the whole file. The last
// range absorbs whatever remainder doesn't divide evenly; when the max
// chunk bound caps chunkSize, that remainder can make the last range
// larger than the max chunk size.
func Plan(fileSize int64, parts int, runtime *types.RuntimeConfig) []types.Range {
	if fileSize <= 0 {
		return nil
	}
	if parts < 1 {
		parts = 1
	}

	chunkSize := ChunkSize(fileSize, parts, runtime)
	partsPer := fileSize / chunkSize
	if partsPer < 1 {
		partsPer = 1
	}
	if partsPer > int64(parts) {
		partsPer = int64(parts)
	}

	ranges := make([]types.Range, 0, partsPer)
	var offset int64
	for i := int64(0); i < partsPer; i++ {
		length := chunkSize
		if i == partsPer-1 {
			// Last range absorbs the remainder so the sum of ranges
			// always equals fileSize exactly, regardless of how chunkSize
			// divides it.
			length = fileSize - offset
		}
		ranges = append(ranges, types.Range{
			Start: offset,
			End:   offset + length - 1,
		})
		offset += length
	}
	return ranges
}

// ChunkSize determines the per-range byte size for a fileSize split
// across parts, clamped to the runtime's min/max/target chunk bounds
// and aligned to types.AlignSize. Mirrors the teacher's
// calculateChunkSize exactly, generalized to an arbitrary part count
// instead of a fixed types.TasksPerWorker multiplier.
func ChunkSize(fileSize int64, parts int, runtime *types.RuntimeConfig) int64 {
	if parts < 1 {
		parts = 1
	}

	targetParts := int64(parts)
	var chunkSize int64
	if targetParts > 0 {
		chunkSize = fileSize / targetParts
	}

	minChunk := runtime.GetMinChunkSize()
	maxChunk := runtime.GetMaxChunkSize()
	targetChunk := runtime.GetTargetChunkSize()

	if chunkSize == 0 {
		chunkSize = targetChunk
	}
	if chunkSize < minChunk {
		chunkSize = minChunk
	}
	if chunkSize > maxChunk {
		chunkSize = maxChunk
	}

	chunkSize = (chunkSize / types.AlignSize) * types.AlignSize
	if chunkSize == 0 {
		chunkSize = types.AlignSize
	}
	return chunkSize
}

// Replan rebuilds the range list for whatever bytes remain incomplete,
// used after a pause/resume or after a part failure that couldn't be
// resumed in place. incomplete is the list of ranges not yet fully
// downloaded (ContentOffset tracked per range); each is independently
// re-split if it's large enough to share across more than one
// connection, otherwise kept whole.
func Replan(incomplete []types.Range, parts int, runtime *types.RuntimeConfig) []types.Range {
	if len(incomplete) == 0 {
		return nil
	}
	if parts < 1 {
		parts = 1
	}

	// Distribute the requested part count across the incomplete ranges
	// proportionally to their remaining size, with a minimum of one
	// part per range; rem parts (those left over from integer division)
	// go one each to the ranges in list order.
	totalRemaining := int64(0)
	for _, r := range incomplete {
		totalRemaining += r.Remaining()
	}
	if totalRemaining <= 0 {
		return nil
	}

	type alloc struct {
		idx   int
		parts int
	}
	allocs := make([]alloc, len(incomplete))
	assigned := 0
	for i, r := range incomplete {
		share := int(int64(parts) * r.Remaining() / totalRemaining)
		if share < 1 {
			share = 1
		}
		allocs[i] = alloc{idx: i, parts: share}
		assigned += share
	}
	// Hand the rem parts left over from integer division out one
	// each, in list order.
	for i := 0; assigned < parts; i = (i + 1) % len(allocs) {
		allocs[i].parts++
		assigned++
	}
	// Trim overshoot (can happen from the min-1 floor) off the largest
	// allocations first, never going below 1 part per range.
	for assigned > parts {
		biggest := -1
		for i, a := range allocs {
			if a.parts <= 1 {
				continue
			}
			if biggest == -1 || allocs[i].parts > allocs[biggest].parts {
				biggest = i
			}
		}
		if biggest == -1 {
			break
		}
		allocs[biggest].parts--
		assigned--
	}

	var out []types.Range
	for _, a := range allocs {
		base := incomplete[a.idx]
		remainStart := base.Start + base.ContentOffset
		remainLen := base.Remaining()
		if remainLen <= 0 {
			continue
		}

		if a.parts <= 1 || remainLen < 2*types.MinChunk {
			// Single-sub-range fallback: too small or only one share
			// assigned, keep it whole.
			out = append(out, types.Range{
				Start:         remainStart,
				End:           base.End,
				ContentLength: base.ContentLength,
			})
			continue
		}

		sub := remainLen / int64(a.parts)
		sub = (sub / types.AlignSize) * types.AlignSize
		if sub < types.MinChunk {
			sub = types.MinChunk
		}

		offset := remainStart
		for i := 0; i < a.parts; i++ {
			length := sub
			if i == a.parts-1 || offset+length > base.End+1 {
				length = base.End - offset + 1
			}
			if length <= 0 {
				break
			}
			out = append(out, types.Range{Start: offset, End: offset + length - 1})
			offset += length
			if offset > base.End {
				break
			}
		}
	}
	return out
}

// alignedSplitSize calculates a split size that is half of remaining,
// aligned to types.AlignSize. Returns 0 if the split would be smaller
// than types.MinChunk, signaling the caller shouldn't split further.
// Kept as a direct port of the teacher's concurrent.alignedSplitSize
// for the work-stealing queue's mid-flight rebalancing.
func alignedSplitSize(remaining int64) int64 {
	half := (remaining / 2 / types.AlignSize) * types.AlignSize
	if half < types.MinChunk {
		return 0
	}
	return half
}

// SplitRange splits a still-in-flight Range in half at its current
// progress, returning the stolen tail range and the new End the
// original range should be truncated to, or ok=false if the remaining
// span is too small to split.
func SplitRange(r types.Range, currentOffset int64) (stolen types.Range, newEnd int64, ok bool) {
	remaining := r.End - currentOffset + 1
	splitSize := alignedSplitSize(remaining)
	if splitSize == 0 {
		return types.Range{}, 0, false
	}
	newEnd = currentOffset + splitSize - 1
	stolen = types.Range{Start: newEnd + 1, End: r.End}
	return stolen, newEnd, true
}
