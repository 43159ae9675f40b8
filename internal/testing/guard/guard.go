package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("GRANARY_TEST_MODE") == "" {
			_ = os.Setenv("GRANARY_TEST_MODE", "1")
		}
	})
}
