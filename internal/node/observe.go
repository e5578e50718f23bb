package node

import (
	"sync"

	"github.com/shaunagostinho/envnode/internal/delivery"
)

// Indicator drives the two status LEDs: OK when the most recent exchange
// was acknowledged, FAIL when it was not.
type Indicator struct {
	delivery.NopObserver

	mu       sync.Mutex
	ok, fail bool
}

func (i *Indicator) Completed(_ string, _ uint32, o delivery.Outcome) {
	if o == delivery.Busy {
		return
	}
	i.mu.Lock()
	i.ok = o == delivery.Success
	i.fail = !i.ok
	i.mu.Unlock()
}

func (i *Indicator) Reset(string) {
	i.mu.Lock()
	i.ok, i.fail = false, false
	i.mu.Unlock()
}

func (i *Indicator) LEDs() (ok, fail bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.ok, i.fail
}

// Observers fans delivery events out to several observers in order.
type Observers []delivery.Observer

func (o Observers) StateChanged(s delivery.State) {
	for _, obs := range o {
		obs.StateChanged(s)
	}
}

func (o Observers) Sent(kind string, seq uint32) {
	for _, obs := range o {
		obs.Sent(kind, seq)
	}
}

func (o Observers) Completed(kind string, seq uint32, out delivery.Outcome) {
	for _, obs := range o {
		obs.Completed(kind, seq, out)
	}
}

func (o Observers) Ack(v delivery.Verdict) {
	for _, obs := range o {
		obs.Ack(v)
	}
}

func (o Observers) Failures(n int) {
	for _, obs := range o {
		obs.Failures(n)
	}
}

func (o Observers) Reset(reason string) {
	for _, obs := range o {
		obs.Reset(reason)
	}
}
