//go:build !tinygo

package irq

import (
	"sync"
	"testing"
)

func TestSection_ExcludesConcurrentWriters(t *testing.T) {
	var l Lock
	var lo, hi int64

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				l.Section(func() {
					lo++
					hi++
				})
			}
		}()
	}
	wg.Wait()

	if lo != 4000 || hi != 4000 {
		t.Errorf("lo=%d hi=%d, want 4000/4000", lo, hi)
	}
}

func TestDisableRestore_Sequential(t *testing.T) {
	var l Lock
	s := l.Disable()
	l.Restore(s)
	s = l.Disable()
	l.Restore(s)
}
