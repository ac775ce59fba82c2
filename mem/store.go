// File: mem/store.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Process-wide two-tier packet data store: a small pool for headers and tiny
// packets, a regular pool for MTU-sized ones. Pool exhaustion falls back to
// the heap and counts a miss.

package mem

import (
	"sync"

	"github.com/momentics/hioload-net/config"
)

const (
	// PacketSize is the payload size of regular packet blocks.
	PacketSize = 2048
	// SmallPacketSize is the payload size of small packet blocks.
	SmallPacketSize = 256
	// PacketMaxSlabs caps the slab count of either packet pool.
	PacketMaxSlabs = 64
)

// Packet store configuration.
var (
	OptPacketStoreMaxMemory = config.NewLimitedNumber[uint32]("os.packet_store.max_memory",
		"The max amount of pre-allocated memory that can be used by packet data store (in megabytes). "+
			"If 0, the packet data store for regular blocks will not be used.",
		0, 1024, 16)

	OptPacketStoreMaxSmallMemory = config.NewLimitedNumber[uint32]("os.packet_store.max_small_memory",
		"The max amount of pre-allocated memory that can be used by packet data store for headers and "+
			"small packets (in kilobytes). If 0, small memory blocks will not be used.",
		0, 1024*1024, 1024)

	OptMinMemorySavingsToOptimize = config.NewLimitedNumber[uint32]("os.packet_store.min_memory_savings_to_optimize",
		"When above 0, the minimum size (in bytes) of memory savings that will cause packets to be optimized.",
		0, 1<<31, PacketSize/2)

	OptForcePacketOptimization = config.NewFlag("os.packet_store.force_packet_optimization",
		"When enabled, packets are optimized even when pooled memory is not available (using allocated memory).",
		false)
)

var (
	stMu      sync.Mutex
	mainPool  *Pool
	smallPool *Pool
	misses    uint64
)

// InitPacketStore creates the packet pools according to configuration.
// Slab counts keep each regular slab near 256 KB and each small slab within
// 64 KB.
func InitPacketStore() {
	stMu.Lock()
	defer stMu.Unlock()

	if mainPool == nil && OptPacketStoreMaxMemory.Value() > 0 {
		memBytes := int(OptPacketStoreMaxMemory.Value()) * 1024 * 1024
		numBlocks := memBytes / (PacketSize + DefaultPayloadOffset)

		maxSlabs := int(OptPacketStoreMaxMemory.Value()) * 4
		if maxSlabs > PacketMaxSlabs {
			maxSlabs = PacketMaxSlabs
		}

		blocksPerSlab := numBlocks / maxSlabs
		if blocksPerSlab < 1 {
			blocksPerSlab = 1
		}

		mainPool = NewPool(PacketSize, blocksPerSlab, maxSlabs, 0)
	}

	if smallPool == nil && OptPacketStoreMaxSmallMemory.Value() > 0 {
		memBytes := int(OptPacketStoreMaxSmallMemory.Value()) * 1024
		numBlocks := memBytes / (SmallPacketSize + DefaultPayloadOffset)

		maxSlabs := 1 + int(OptPacketStoreMaxSmallMemory.Value())/64
		if maxSlabs > PacketMaxSlabs {
			maxSlabs = PacketMaxSlabs
		}

		blocksPerSlab := numBlocks / maxSlabs
		if blocksPerSlab < 1 {
			blocksPerSlab = 1
		}

		smallPool = NewPool(SmallPacketSize, blocksPerSlab, maxSlabs, 0)
	}
}

// ShutdownPacketStore releases both pools.
func ShutdownPacketStore() {
	stMu.Lock()
	defer stMu.Unlock()

	if mainPool != nil {
		mainPool.Shutdown()
		mainPool = nil
	}
	if smallPool != nil {
		smallPool.Shutdown()
		smallPool = nil
	}
}

// GetPacket returns a packet buffer of at least reqSize bytes. It tries the
// small pool, then the regular pool; when both fail the allocation comes
// from the heap and the miss counter increments.
func GetPacket(reqSize int) Handle {
	if reqSize < 1 {
		reqSize = PacketSize
	}

	stMu.Lock()

	if reqSize <= SmallPacketSize && smallPool != nil {
		// Fallback disabled, the regular pool is still worth trying.
		if ret := smallPool.GetHandle(false); !ret.IsEmpty() {
			stMu.Unlock()
			return ret
		}
	}

	if reqSize <= PacketSize && mainPool != nil {
		// Fallback disabled: a pool failure must be counted as a miss.
		if ret := mainPool.GetHandle(false); !ret.IsEmpty() {
			stMu.Unlock()
			return ret
		}
	}

	misses++
	stMu.Unlock()

	return NewHandle(reqSize)
}

// OptimizePacket copies an oversized allocation into a (smaller) pool block
// when doing so saves at least the configured number of bytes. Returns true
// when the packet was replaced.
func OptimizePacket(packet *Handle) bool {
	packetMemSize := packet.MemorySize()

	if packet.IsEmpty() || packetMemSize < 1 {
		return false
	}

	stMu.Lock()

	minSavings := int(OptMinMemorySavingsToOptimize.Value())
	force := OptForcePacketOptimization.Value()

	if minSavings < 1 || packet.Size()+minSavings > packetMemSize {
		stMu.Unlock()
		return false
	}

	var optPacket Handle

	if smallPool != nil &&
		packet.Size() <= SmallPacketSize &&
		SmallPacketSize+minSavings <= packetMemSize {
		optPacket = smallPool.GetHandle(false)
	}

	if optPacket.Size() < packet.Size() &&
		mainPool != nil &&
		packet.Size() <= PacketSize &&
		PacketSize+minSavings <= packetMemSize {
		optPacket.Release()
		optPacket = mainPool.GetHandle(false)
	}

	stMu.Unlock()

	if optPacket.Size() < packet.Size() && force {
		optPacket.Release()
		optPacket = NewHandle(packet.Size())
	}

	if w := optPacket.Writable(); w != nil && optPacket.Size() >= packet.Size() {
		copy(w, packet.Bytes())
		optPacket.Truncate(packet.Size())
		packet.Release()
		*packet = optPacket
		return true
	}

	optPacket.Release()
	return false
}

// PacketStoreMisses returns the number of pool misses so far.
func PacketStoreMisses() uint64 {
	stMu.Lock()
	defer stMu.Unlock()
	return misses
}

// PacketStoreFreeBlocks returns the regular pool's free block count.
func PacketStoreFreeBlocks() int {
	stMu.Lock()
	defer stMu.Unlock()
	if mainPool == nil {
		return 0
	}
	return mainPool.FreeBlocksCount()
}

// PacketStoreAllocatedBlocks returns the regular pool's total block count.
func PacketStoreAllocatedBlocks() int {
	stMu.Lock()
	defer stMu.Unlock()
	if mainPool == nil {
		return 0
	}
	return mainPool.AllocatedBlocksCount()
}
