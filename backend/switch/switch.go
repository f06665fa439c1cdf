package _switch

import (
	"errors"
	"sync"

	"github.com/adwski/collab-relay/backend/model"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

var (
	ErrEndpointExists = errors.New("endpoint is already connected")
)

// Switch keeps outbound wires of connected endpoints and delivers announcements to them.
// Delivery never blocks: if endpoint buffer is full announcement is dropped for that endpoint only.
type Switch struct {
	logger  zerolog.Logger
	mx      *sync.RWMutex
	fwd     map[string]model.Wire
	dropped *atomic.Uint64
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger:  logger.With().Str("component", "switch").Logger(),
		mx:      &sync.RWMutex{},
		fwd:     make(map[string]model.Wire),
		dropped: atomic.NewUint64(0),
	}
}

func (sw *Switch) Connect(endpoint string, wire model.Wire) error {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	if _, ok := sw.fwd[endpoint]; ok {
		return ErrEndpointExists
	}
	sw.fwd[endpoint] = wire
	sw.logger.Debug().Str("endpoint", endpoint).Msg("endpoint connected")
	return nil
}

func (sw *Switch) Disconnect(endpoint string) {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	delete(sw.fwd, endpoint)
	sw.logger.Debug().Str("endpoint", endpoint).Msg("endpoint disconnected")
}

// Send delivers announcement to a particular endpoint.
func (sw *Switch) Send(endpoint string, ann model.Announcement) bool {
	sw.mx.RLock()
	wire, ok := sw.fwd[endpoint]
	sw.mx.RUnlock()

	if !ok {
		sw.logger.Debug().
			Str("dst", endpoint).
			Str("type", ann.Event).
			Msg("cannot forward, dst not found")
		return false
	}
	return sw.send(endpoint, ann, wire.TX)
}

// Multicast delivers announcement to every endpoint in dst except src.
// It returns the number of endpoints announcement was queued to.
func (sw *Switch) Multicast(ann model.Announcement, dst []string, src string) int {
	type target struct {
		endpoint string
		tx       chan<- model.Announcement
	}

	sw.mx.RLock()
	targets := make([]target, 0, len(dst))
	for _, endpoint := range dst {
		if endpoint == src {
			continue
		}
		if wire, ok := sw.fwd[endpoint]; ok {
			targets = append(targets, target{endpoint: endpoint, tx: wire.TX})
		}
	}
	sw.mx.RUnlock()

	var sent int
	for _, t := range targets {
		if sw.send(t.endpoint, ann, t.tx) {
			sent++
		}
	}
	if sent == 0 && len(dst) > 0 {
		sw.logger.Trace().
			Str("type", ann.Event).
			Str("src", src).
			Msg("multicast did not reach anyone")
	}
	return sent
}

func (sw *Switch) Endpoints() int {
	sw.mx.RLock()
	defer sw.mx.RUnlock()

	return len(sw.fwd)
}

func (sw *Switch) Dropped() uint64 {
	return sw.dropped.Load()
}

func (sw *Switch) send(endpoint string, ann model.Announcement, tx chan<- model.Announcement) bool {
	select {
	case tx <- ann:
		sw.logger.Trace().
			Str("dst", endpoint).
			Str("type", ann.Event).
			Msg("announce is forwarded")
		return true
	default:
		sw.dropped.Inc()
		sw.logger.Warn().
			Str("dst", endpoint).
			Str("type", ann.Event).
			Msg("slow endpoint, announce dropped")
		return false
	}
}
