package memory_test

import (
	"testing"

	"github.com/sealdoc/sealdoc/storage/memory"
	"github.com/sealdoc/sealdoc/storage/storagetest"
)

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storagetest.Backend {
		return memory.New()
	})
}
