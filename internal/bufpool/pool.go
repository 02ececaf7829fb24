package bufpool

import (
	"sync"
)

var (
	pools = []struct {
		size int
		pool sync.Pool
	}{
		{size: 128},
		{size: 512},
		{size: 1024},
		{size: 4096},
		{size: 16 * 1024},
		{size: 32 * 1024},
		{size: 64 * 1024},
	}
)

// Get returns a buffer of at least the given size from the pool.
// The returned buffer should be released with Put after use.
func Get(size int) *[]byte {
	for i := range pools {
		if size <= pools[i].size {
			if v := pools[i].pool.Get(); v != nil {
				return v.(*[]byte)
			}
			b := make([]byte, pools[i].size)
			return &b
		}
	}
	b := make([]byte, size)
	return &b
}

func Put(b *[]byte) {
	if b == nil {
		return
	}
	for i := range pools {
		if cap(*b) == pools[i].size {
			*b = (*b)[:cap(*b)]
			pools[i].pool.Put(b)
			return
		}
	}
}
