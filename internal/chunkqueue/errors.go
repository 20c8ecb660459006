package chunkqueue

import (
	"fmt"

	"github.com/nosqlbench/lazyfile/internal/errs"
)

var errQueueFull = fmt.Errorf("chunkqueue: %w: pending capacity reached", errs.ErrIoError)
