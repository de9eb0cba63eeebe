package staticd

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/mem"

	"pkt.systems/pslog"
	"pkt.systems/staticd/internal/content"
)

// availableMemory is replaced in tests.
var availableMemory = func(ctx context.Context) (uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.Available, nil
}

// memoryBudget reports the byte budget a store may occupy and whether size
// fits within it.
func memoryBudget(size int64, available uint64, ratio float64) (uint64, bool) {
	budget := uint64(float64(available) * ratio)
	if size < 0 {
		size = 0
	}
	return budget, uint64(size) <= budget
}

// checkStoreMemory warns when store is larger than ratio of the available
// memory. It never fails the caller; the store has already been built.
func checkStoreMemory(ctx context.Context, store *content.Store, ratio float64, logger pslog.Logger) bool {
	if store == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	available, err := availableMemory(ctx)
	if err != nil {
		logger.Warn("server.memcheck.unavailable", "error", err)
		return true
	}
	budget, ok := memoryBudget(store.Size(), available, ratio)
	if !ok {
		logger.Warn("server.memcheck.store_too_large",
			"store_bytes", store.Size(),
			"store", humanize.IBytes(uint64(store.Size())),
			"available", humanize.IBytes(available),
			"budget", humanize.IBytes(budget),
			"ratio", ratio,
		)
		return false
	}
	logger.Debug("server.memcheck.ok",
		"store", humanize.IBytes(uint64(store.Size())),
		"available", humanize.IBytes(available),
	)
	return true
}
