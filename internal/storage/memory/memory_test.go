package memory

import (
	"testing"
	"time"

	"github.com/cuongbtq/crop-copilot-be/internal/storage"
	"github.com/cuongbtq/crop-copilot-be/internal/storage/storagetest"
)

func TestStoreContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, clock func() time.Time) storage.Store {
		return New(WithClock(clock))
	})
}
