package ids

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratorUniqueUnderConcurrency(t *testing.T) {
	g := NewGenerator(7)
	const workers, per = 8, 2000

	var mu sync.Mutex
	seen := make(map[int64]struct{}, workers*per)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]int64, 0, per)
			for i := 0; i < per; i++ {
				local = append(local, g.Next())
			}
			mu.Lock()
			for _, id := range local {
				seen[id] = struct{}{}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Len(t, seen, workers*per)
}

func TestGeneratorCarriesNodeID(t *testing.T) {
	id := NewGenerator(42).Next()
	assert.Equal(t, int64(42), (id>>12)&0x3FF)
	assert.Greater(t, id, int64(0))
}

func TestNewGeneratorClampsNodeID(t *testing.T) {
	id := NewGenerator(5000).Next()
	assert.Equal(t, int64(1), (id>>12)&0x3FF)
}
