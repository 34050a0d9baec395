// Package loopback is in-process radio: every Radio created from one Air sees the others.
package loopback

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/temoto/solarvalve/radio"
)

// Air is shared medium.
type Air struct {
	mu      sync.Mutex
	adverts map[string]*advert
	changed chan struct{} // closed on every new advertisement

	// ConnectHook, when set, may fail Connect before link is established.
	ConnectHook func(radio.Device) error
}

func NewAir() *Air {
	return &Air{
		adverts: make(map[string]*advert),
		changed: make(chan struct{}),
	}
}

// Radio returns adapter with unique address.
func (a *Air) Radio(address string) *Radio { return &Radio{air: a, address: address} }

// Advertising lists currently visible devices, sorted by address.
func (a *Air) Advertising() []radio.Device {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.devicesLocked()
}

func (a *Air) devicesLocked() []radio.Device {
	ds := make([]radio.Device, 0, len(a.adverts))
	for addr, adv := range a.adverts {
		ds = append(ds, radio.Device{
			Name:     adv.adv.Name,
			Address:  addr,
			Services: []uuid.UUID{adv.adv.Service},
		})
	}
	sort.Slice(ds, func(i, j int) bool { return ds[i].Address < ds[j].Address })
	return ds
}

type advert struct {
	adv    radio.Advertisement
	connCh chan *link // cap 1, filled under Air.mu
}

type Radio struct {
	air     *Air
	address string
}

var _ radio.Radio = &Radio{}

func (r *Radio) Address() string { return r.address }

func (r *Radio) Advertise(ctx context.Context, adv radio.Advertisement) (radio.PeripheralConn, error) {
	a := r.air
	ad := &advert{adv: adv, connCh: make(chan *link, 1)}
	a.mu.Lock()
	if _, ok := a.adverts[r.address]; ok {
		a.mu.Unlock()
		return nil, errors.AlreadyExistsf("advertisement address=%s", r.address)
	}
	a.adverts[r.address] = ad
	close(a.changed)
	a.changed = make(chan struct{})
	a.mu.Unlock()

	select {
	case l := <-ad.connCh:
		return peripheralConn{l}, nil
	case <-ctx.Done():
	}
	a.mu.Lock()
	if a.adverts[r.address] == ad {
		delete(a.adverts, r.address)
		a.mu.Unlock()
		return nil, ctx.Err()
	}
	a.mu.Unlock()
	// central claimed advertisement concurrently with ctx done
	l := <-ad.connCh
	l.close()
	return nil, ctx.Err()
}

func (r *Radio) Scan(ctx context.Context, match func(radio.Device) bool) (radio.Device, error) {
	a := r.air
	for {
		a.mu.Lock()
		for _, d := range a.devicesLocked() {
			if d.Address != r.address && match(d) {
				a.mu.Unlock()
				return d, nil
			}
		}
		changed := a.changed
		a.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return radio.Device{}, radio.ErrNotFound
			}
			return radio.Device{}, ctx.Err()
		}
	}
}

func (r *Radio) Connect(ctx context.Context, d radio.Device) (radio.CentralConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a := r.air
	if a.ConnectHook != nil {
		if err := a.ConnectHook(d); err != nil {
			return nil, errors.Annotatef(err, "connect address=%s", d.Address)
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	ad, ok := a.adverts[d.Address]
	if !ok {
		return nil, errors.Errorf("connect address=%s: device gone", d.Address)
	}
	delete(a.adverts, d.Address)
	l := newLink(ad.adv)
	ad.connCh <- l
	return centralConn{l}, nil
}

type link struct {
	adv      radio.Advertisement
	mu       sync.Mutex
	value    []byte
	written  bool
	notify   chan struct{}
	disc     chan struct{}
	discOnce sync.Once
}

func newLink(adv radio.Advertisement) *link {
	return &link{
		adv:    adv,
		notify: make(chan struct{}),
		disc:   make(chan struct{}),
	}
}

func (l *link) close() { l.discOnce.Do(func() { close(l.disc) }) }

func (l *link) closed() bool {
	select {
	case <-l.disc:
		return true
	default:
		return false
	}
}

type peripheralConn struct{ l *link }

func (p peripheralConn) Write(value []byte) error {
	l := p.l
	if l.closed() {
		return radio.ErrDisconnected
	}
	l.mu.Lock()
	l.value = append([]byte(nil), value...)
	l.written = true
	close(l.notify)
	l.notify = make(chan struct{})
	l.mu.Unlock()
	return nil
}

func (p peripheralConn) Disconnected() <-chan struct{} { return p.l.disc }
func (p peripheralConn) Close() error                  { p.l.close(); return nil }

type centralConn struct{ l *link }

func (c centralConn) Characteristic(ctx context.Context, service, char uuid.UUID) (radio.Characteristic, error) {
	if c.l.closed() {
		return nil, radio.ErrDisconnected
	}
	if c.l.adv.Service != service {
		return nil, errors.NotFoundf("service=%s", service)
	}
	if c.l.adv.Char != char {
		return nil, errors.NotFoundf("service=%s characteristic=%s", service, char)
	}
	return characteristic{c.l}, nil
}

func (c centralConn) Close() error { c.l.close(); return nil }

type characteristic struct{ l *link }

func (ch characteristic) Read(ctx context.Context) ([]byte, error) {
	l := ch.l
	if l.closed() {
		return nil, radio.ErrDisconnected
	}
	if l.adv.OnRead != nil {
		return l.adv.OnRead()
	}
	for {
		l.mu.Lock()
		if l.written {
			v := append([]byte(nil), l.value...)
			l.mu.Unlock()
			return v, nil
		}
		notify := l.notify
		l.mu.Unlock()
		select {
		case <-notify:
		case <-l.disc:
			return nil, radio.ErrDisconnected
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
