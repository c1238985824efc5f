package sync

import "github.com/njoerd114/calrelay/internal/model"

// Progress is one milestone of a calendar sync. Percent never decreases
// within a run; a failed run ends with Percent 100 and a non-nil Err.
type Progress struct {
	AccountID  string
	CalendarID string
	Status     string
	Percent    int
	Err        error
}

// ProgressFunc receives progress events synchronously on the sync goroutine.
type ProgressFunc func(Progress)

// ProgressChannel adapts a channel to a [ProgressFunc]. Events are dropped
// when the channel is full so a slow reader never stalls a sync.
func ProgressChannel(ch chan<- Progress) ProgressFunc {
	return func(p Progress) {
		select {
		case ch <- p:
		default:
		}
	}
}

func (r *Reconciler) emit(key model.CalendarKey, percent int, status string, err error) {
	if len(r.progress) == 0 {
		return
	}
	p := Progress{
		AccountID:  key.AccountID,
		CalendarID: key.CalendarID,
		Status:     status,
		Percent:    percent,
		Err:        err,
	}
	for _, fn := range r.progress {
		fn(p)
	}
}
