// Package clock provides the built-in time provider. A read returns the
// current time; a subscription publishes it periodically.
//
// Options (all optional):
//
//	{"interval_ms": 1000}   publish interval of a subscription
package clock

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/ValentinKolb/ctxd/lib/ctxmgr"
	"github.com/ValentinKolb/ctxd/lib/errcode"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("provider")

// MinInterval is the shortest accepted publish interval
const MinInterval = 10 * time.Millisecond

// Sample is the value published by the provider
type Sample struct {
	UnixMilli int64  `json:"unix_ms"`
	Time      string `json:"time"`
}

type options struct {
	IntervalMs int64 `json:"interval_ms,omitempty"`
}

// Provider serves one time subject
type Provider struct {
	ctxmgr.ProviderBase

	subject  string
	interval time.Duration
	pub      ctxmgr.Publisher
	now      func() time.Time

	mu      sync.Mutex
	tickers map[string]chan struct{}
	wg      sync.WaitGroup
}

// New creates a clock provider for subject. interval is the default publish
// interval of subscriptions.
func New(pub ctxmgr.Publisher, subject string, interval time.Duration) *Provider {
	if interval < MinInterval {
		interval = time.Second
	}
	return &Provider{
		subject:  subject,
		interval: interval,
		pub:      pub,
		now:      time.Now,
		tickers:  make(map[string]chan struct{}),
	}
}

func (p *Provider) sample() json.RawMessage {
	now := p.now()
	data, _ := json.Marshal(Sample{UnixMilli: now.UnixMilli(), Time: now.Format(time.RFC3339Nano)})
	return data
}

func (p *Provider) parse(option json.RawMessage) (time.Duration, error) {
	var o options
	if len(option) > 0 {
		if err := json.Unmarshal(option, &o); err != nil {
			return 0, errcode.ErrInvalidParameter
		}
	}
	if o.IntervalMs == 0 {
		return p.interval, nil
	}
	interval := time.Duration(o.IntervalMs) * time.Millisecond
	if interval < MinInterval {
		return 0, errcode.ErrOutOfRange
	}
	return interval, nil
}

// Read replies with the current time
func (p *Provider) Read(option json.RawMessage) (json.RawMessage, error) {
	return nil, p.pub.ReplyToRead(p.subject, option, errcode.ErrNone, p.sample())
}

// Subscribe starts publishing the time for option
func (p *Provider) Subscribe(option json.RawMessage) (json.RawMessage, error) {
	interval, err := p.parse(option)
	if err != nil {
		return nil, err
	}

	key := string(option)

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.tickers[key]; ok {
		return nil, errcode.ErrAlreadyStarted
	}
	stop := make(chan struct{})
	p.tickers[key] = stop

	p.wg.Add(1)
	go p.run(option, interval, stop)

	Logger.Infof("%s: publishing every %s for %s", p.subject, interval, option)
	return json.Marshal(options{IntervalMs: interval.Milliseconds()})
}

func (p *Provider) run(option json.RawMessage, interval time.Duration, stop chan struct{}) {
	defer p.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := p.pub.Publish(p.subject, option, errcode.ErrNone, p.sample()); err != nil {
				Logger.Warningf("%s: publish failed: %v", p.subject, err)
			}
		}
	}
}

// Unsubscribe stops publishing for option
func (p *Provider) Unsubscribe(option json.RawMessage) error {
	p.mu.Lock()
	stop, ok := p.tickers[string(option)]
	delete(p.tickers, string(option))
	p.mu.Unlock()

	if !ok {
		return errcode.ErrNotStarted
	}
	close(stop)
	return nil
}

// Close stops all subscriptions and waits for their publishers to exit
func (p *Provider) Close() {
	p.mu.Lock()
	for key, stop := range p.tickers {
		close(stop)
		delete(p.tickers, key)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
