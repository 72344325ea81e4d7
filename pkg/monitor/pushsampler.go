package monitor

import (
	"context"
	"sync"
)

// PushSource adapts pushed samples to the pull-based Sampler contract.
// Producers push readings as they arrive; each monitor tick consumes the
// most recent unread sample per service. A tick with nothing new yields
// no sample, which the monitor treats as a quiet pass.
type PushSource struct {
	mutex  sync.Mutex
	latest map[string]*Sample
}

// NewPushSource creates an empty push source
func NewPushSource() *PushSource {
	return &PushSource{latest: make(map[string]*Sample)}
}

// Push records the newest reading for a service, replacing any unread one
func (p *PushSource) Push(sample *Sample) {
	if sample == nil || sample.Service == "" {
		return
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.latest[sample.Service] = sample
}

// Sample consumes the most recent unread sample for a service
func (p *PushSource) Sample(_ context.Context, service string) (*Sample, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	sample, ok := p.latest[service]
	if !ok {
		return nil, nil
	}
	delete(p.latest, service)
	return sample, nil
}
