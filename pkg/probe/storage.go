package probe

import (
	"time"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/invisible-tech/privacy-telemetry-sensor/internal/detection"
	"github.com/invisible-tech/privacy-telemetry-sensor/internal/types"
)

// storageWindow is a rolling window of storage operations.
type storageWindow struct {
	ops []types.StorageOperation
}

func (w *storageWindow) record(op types.StorageOperation, th detection.Thresholds) *types.StorageEvidence {
	cutoff := op.Timestamp.Add(-th.StorageWindow)
	keep := w.ops[:0]
	for _, o := range w.ops {
		if !o.Timestamp.Before(cutoff) {
			keep = append(keep, o)
		}
	}
	w.ops = append(keep, op)

	if len(w.ops) < th.StorageOps {
		return nil
	}
	keys := sets.New[string]()
	for _, o := range w.ops {
		keys.Insert(o.Area + ":" + o.Key)
	}
	tail := w.ops
	if len(tail) > th.StorageTail {
		tail = tail[len(tail)-th.StorageTail:]
	}
	return &types.StorageEvidence{
		Operations: append([]types.StorageOperation(nil), tail...),
		Count:      len(w.ops),
		UniqueKeys: keys.Len(),
	}
}

type instrumentedStorage struct {
	Storage
	area string
	p    *Probe
}

func (s *instrumentedStorage) GetItem(key string) (string, bool) {
	s.p.recordStorage(s.area, "getItem", key)
	return s.Storage.GetItem(key)
}

func (s *instrumentedStorage) SetItem(key, value string) error {
	s.p.recordStorage(s.area, "setItem", key)
	return s.Storage.SetItem(key, value)
}

func (s *instrumentedStorage) RemoveItem(key string) {
	s.p.recordStorage(s.area, "removeItem", key)
	s.Storage.RemoveItem(key)
}

func storageOp(area, operation, key string, now time.Time) types.StorageOperation {
	return types.StorageOperation{Operation: operation, Key: key, Area: area, Timestamp: now}
}
