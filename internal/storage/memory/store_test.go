package memory

import (
	"testing"

	"github.com/JakeFAU/ingest-crawler/internal/store"
	"github.com/JakeFAU/ingest-crawler/internal/store/storetest"
)

func TestRunStoreContract(t *testing.T) {
	t.Parallel()
	storetest.RunStore(t, func(*testing.T) store.RunStore { return NewRunStore() })
}

func TestCacheStoreContract(t *testing.T) {
	t.Parallel()
	storetest.CacheStore(t, func(*testing.T) store.CacheStore { return NewCacheStore() })
}
