// Copyright (c) Uplinkd Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package supervisor runs the cellular-link reconcile loop: observe
// interface, routing, and reachability state; diff against what a
// healthy uplink looks like; repair idempotently; sleep; repeat.
//
// One supervisor per host. Routing and firewall tables have no
// row-level locking, so every OS write funnels through this loop's
// single goroutine. Rotation requests arrive asynchronously but are
// applied only at tick boundaries, never preempting an in-flight tick.
package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/uplinkd/uplinkd/history"
	"github.com/uplinkd/uplinkd/ifscan"
	"github.com/uplinkd/uplinkd/link"
	"github.com/uplinkd/uplinkd/metrics"
)

// Detector finds the current cellular interface candidate.
type Detector interface {
	Scan() (*ifscan.Candidate, error)
}

// Prober verifies end-to-end reachability through an interface.
type Prober interface {
	Probe(ctx context.Context, iface string) bool
}

// Routes is the routing-table side of the repair surface.
type Routes interface {
	EnsureTableRegistered() error
	RepairDefaultRoute(sess *link.Session) error
	HasRoute() (bool, error)
	EnsurePolicyRule() error
}

// Firewall is the netfilter side of the repair surface.
type Firewall interface {
	EnsureMarkRule(user string) error
	EnsureNATRule(iface string) error
}

// Recorder persists rotation records for operators. Never read back
// by the control logic.
type Recorder interface {
	Append(rec history.Record) error
}

// PublicIPFunc observes the link's current public address via the
// cellular interface. Optional; an error just leaves the field empty.
type PublicIPFunc func(ctx context.Context, iface string) (string, error)

// BackendPicker maps a detected interface kind to its link backend.
type BackendPicker func(kind ifscan.Kind) link.Backend

// Options tunes the supervisor.
type Options struct {
	PollInterval     time.Duration
	FailureThreshold int // consecutive probe failures before escalation
	ProxyUser        string
	FwMark           uint32
	AutoRotate       bool
	AutoInterval     time.Duration

	// NoCandidateEscalation is how many consecutive empty scans to
	// tolerate before logging at error level. Polling continues
	// regardless: a reseated modem must recover unattended.
	NoCandidateEscalation int
}

type rotationRequest struct {
	trigger RotationTrigger
}

// Supervisor is the control loop.
type Supervisor struct {
	log    *zap.Logger
	opts   Options
	detect Detector
	prober Prober
	routes Routes
	fw     Firewall
	pick   BackendPicker
	hist   Recorder
	pubIP  PublicIPFunc

	rotateCh chan rotationRequest

	// Everything below is owned by the loop goroutine except status
	// and autoRotate, which are mutex-published for the API.
	mu         sync.Mutex
	status     Status
	autoRotate bool

	sess            *link.Session
	backend         link.Backend
	state           State
	probeFails      int
	escalated       bool
	noCandidateRuns int
	tableOK         bool
	lastRouteIface  string
	lastRotation    time.Time
	startedAt       time.Time
	pendingRecord   *history.Record
}

// New assembles a supervisor. hist and pubIP may be nil.
func New(log *zap.Logger, opts Options, detect Detector, prober Prober, routes Routes, fw Firewall, pick BackendPicker, hist Recorder, pubIP PublicIPFunc) *Supervisor {
	if opts.FailureThreshold < 1 {
		opts.FailureThreshold = 3
	}
	if opts.NoCandidateEscalation < 1 {
		opts.NoCandidateEscalation = 10
	}
	s := &Supervisor{
		log:        log.Named("supervisor"),
		opts:       opts,
		detect:     detect,
		prober:     prober,
		routes:     routes,
		fw:         fw,
		pick:       pick,
		hist:       hist,
		pubIP:      pubIP,
		rotateCh:   make(chan rotationRequest, 1),
		state:      StateNoCandidate,
		autoRotate: opts.AutoRotate,
	}
	s.status.State = s.state.String()
	s.status.FwMark = opts.FwMark
	s.status.AutoRotation = opts.AutoRotate
	return s
}

// Run polls until ctx is done. The first tick runs immediately.
func (s *Supervisor) Run(ctx context.Context) error {
	s.startedAt = time.Now()
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// RequestRotation asks for a rotation at the next tick boundary.
// Returns false when a request is already pending; concurrent requests
// coalesce rather than queue, since overlapping deep resets would
// corrupt carrier-side state.
func (s *Supervisor) RequestRotation(trigger RotationTrigger) bool {
	select {
	case s.rotateCh <- rotationRequest{trigger: trigger}:
		return true
	default:
		return false
	}
}

// Status returns a copy of the published link state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetAutoRotation toggles the unattended rotation timer at runtime.
func (s *Supervisor) SetAutoRotation(enabled bool) {
	s.mu.Lock()
	s.autoRotate = enabled
	s.status.AutoRotation = enabled
	s.mu.Unlock()
}

// AutoRotation reports the timer's state and interval.
func (s *Supervisor) AutoRotation() (bool, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoRotate, s.opts.AutoInterval
}

// Tick runs one reconcile pass. Exported for tests; production calls
// arrive via Run.
func (s *Supervisor) Tick(ctx context.Context) {
	metrics.Ticks.Inc()

	var req *rotationRequest
	select {
	case r := <-s.rotateCh:
		req = &r
	default:
	}

	if req == nil && s.autoRotationDue() {
		req = &rotationRequest{trigger: TriggerAuto}
	}

	if req != nil {
		if s.sess == nil {
			s.log.Warn("rotation requested with no active link session",
				zap.String("trigger", string(req.trigger)))
			s.setError(errors.New("rotation requested with no active link session"))
		} else {
			s.rotate(ctx, req.trigger)
		}
		// Drop requests that piled up while the reset ran.
		for {
			select {
			case <-s.rotateCh:
				continue
			default:
			}
			break
		}
	}

	s.reconcile(ctx)
}

func (s *Supervisor) autoRotationDue() bool {
	s.mu.Lock()
	enabled := s.autoRotate
	s.mu.Unlock()
	if !enabled || s.opts.AutoInterval <= 0 || s.sess == nil {
		return false
	}
	last := s.lastRotation
	if last.IsZero() {
		last = s.startedAt
	}
	return time.Since(last) >= s.opts.AutoInterval
}

// rotate performs the deep reset. The normal chain re-validates the
// link right afterwards in the same tick.
func (s *Supervisor) rotate(ctx context.Context, trigger RotationTrigger) {
	s.toState(StateRotating)
	s.flushPendingRecord()

	s.mu.Lock()
	oldAddr := s.status.PublicAddress
	s.status.PublicAddress = ""
	s.mu.Unlock()

	err := s.backend.ForceRotation(ctx, s.sess)
	s.lastRotation = time.Now()
	s.mu.Lock()
	s.status.LastRotation = s.lastRotation
	s.mu.Unlock()
	metrics.LastRotationTime.Set(float64(s.lastRotation.Unix()))

	rec := history.Record{
		Time:       s.lastRotation,
		Trigger:    string(trigger),
		OldAddress: oldAddr,
	}
	if err != nil {
		metrics.Rotations.WithLabelValues(string(trigger), "failure").Inc()
		rec.Outcome = "failure"
		rec.Error = err.Error()
		s.appendRecord(rec)
		s.setError(err)
		s.log.Warn("rotation failed",
			zap.String("trigger", string(trigger)), zap.Error(err))
	} else {
		metrics.Rotations.WithLabelValues(string(trigger), "success").Inc()
		rec.Outcome = "success"
		s.pendingRecord = &rec // new address filled in once healthy
		s.log.Info("rotation completed, revalidating link",
			zap.String("trigger", string(trigger)))
	}

	// The freshly rotated link starts the chain over: new address,
	// unknown gateway.
	s.sess.State = link.StateConnecting
	s.sess.Gateway = nil
}

// reconcile is the normal observe/diff/repair chain.
func (s *Supervisor) reconcile(ctx context.Context) {
	cand, err := s.detect.Scan()
	if err != nil {
		s.sess = nil
		s.backend = nil
		s.noCandidateRuns++
		s.toState(StateNoCandidate)
		s.setError(err)
		if s.noCandidateRuns == s.opts.NoCandidateEscalation {
			s.log.Error("no cellular interface for many consecutive scans; still polling",
				zap.Int("scans", s.noCandidateRuns))
		}
		return
	}
	s.noCandidateRuns = 0

	if s.sess == nil || s.sess.Interface != cand.Name {
		backend := s.pick(cand.Kind)
		if s.sess != nil {
			s.log.Info("cellular interface changed",
				zap.String("old", s.sess.Interface),
				zap.String("new", cand.Name))
		}
		s.sess = &link.Session{
			Backend:   backend.Kind(),
			Interface: cand.Name,
			Ifindex:   cand.Index,
			State:     link.StateConnecting,
		}
		s.backend = backend
		s.lastRouteIface = ""
		s.publish(func(st *Status) {
			st.Interface = cand.Name
			st.Backend = backend.Kind().String()
		})
	}
	s.sess.Ifindex = cand.Index

	if !cand.AdminUp {
		s.toState(StateLinkDown)
		if err := s.backend.BringUp(ctx, cand); err != nil {
			s.setError(err)
			return
		}
		metrics.Repairs.WithLabelValues("bring_up").Inc()
		// Bring-up can acquire a fresh address; the cached next hop
		// is no longer trustworthy.
		s.sess.Gateway = nil
		if cand = s.rescan(cand.Name); cand == nil {
			return
		}
	}

	if !cand.HasIPv4 {
		s.toState(StateLinkUpNoIP)
		if err := s.backend.RenewAddress(ctx, s.sess); err != nil {
			s.setError(err)
			s.sess.State = link.StateDegraded
			return
		}
		metrics.Repairs.WithLabelValues("renew").Inc()
		// The new lease can carry a different router option; drop the
		// cached next hop so the route repair re-resolves it.
		s.sess.Gateway = nil
		if cand = s.rescan(cand.Name); cand == nil {
			return
		}
		if !cand.HasIPv4 {
			s.setError(errors.New("no IPv4 address after renew"))
			return
		}
	}
	s.sess.State = link.StateUp

	if !s.prober.Probe(ctx, cand.Name) {
		metrics.ProbeFailures.Inc()
		s.probeFails++
		s.toState(StateLinkUpUnreachable)
		s.setError(errors.New("link up but probes unanswered"))
		// Light repair first. The deep reset fires once per degraded
		// episode, only after the threshold of consecutive failures.
		if s.probeFails >= s.opts.FailureThreshold && !s.escalated {
			s.escalated = true
			s.log.Warn("reachability lost, escalating to deep reset",
				zap.Int("consecutive_failures", s.probeFails))
			s.rotate(ctx, TriggerEscalation)
		}
		return
	}
	s.probeFails = 0
	s.escalated = false

	if err := s.ensurePolicyPlumbing(ctx, cand); err != nil {
		// Safety-critical: an unrepaired route silently leaks proxy
		// traffic onto the primary network. Never swallowed.
		s.setError(err)
		s.log.Error("policy routing repair failed", zap.Error(err))
		return
	}

	s.toState(StateHealthy)
	s.clearError()
	s.refreshPublicAddress(ctx, cand.Name)
}

// ensurePolicyPlumbing makes the dedicated table, lookup rule, mark
// rule, and masquerade rule match the current session. Everything is
// an idempotent upsert, so it runs on every healthy tick.
func (s *Supervisor) ensurePolicyPlumbing(ctx context.Context, cand *ifscan.Candidate) error {
	if !s.tableOK {
		if err := s.routes.EnsureTableRegistered(); err != nil {
			return err
		}
		s.tableOK = true
	}

	has, err := s.routes.HasRoute()
	if err != nil {
		return err
	}
	if !has || s.lastRouteIface != cand.Name {
		if s.sess.Gateway == nil {
			gw, err := s.backend.ResolveGateway(ctx, s.sess)
			if err != nil {
				return err
			}
			s.sess.Gateway = &gw
		}
		if err := s.routes.RepairDefaultRoute(s.sess); err != nil {
			return err
		}
		metrics.Repairs.WithLabelValues("route").Inc()
		s.lastRouteIface = cand.Name
		if !has {
			s.log.Info("default route restored",
				zap.String("iface", cand.Name))
		}
	}

	if err := s.routes.EnsurePolicyRule(); err != nil {
		return err
	}
	if err := s.fw.EnsureMarkRule(s.opts.ProxyUser); err != nil {
		return err
	}
	if err := s.fw.EnsureNATRule(cand.Name); err != nil {
		return err
	}
	return nil
}

// rescan refreshes the candidate after a mutation. A vanished or
// renamed interface mid-tick is treated as a flap: give up on this
// tick and let the next one re-detect from scratch.
func (s *Supervisor) rescan(name string) *ifscan.Candidate {
	cand, err := s.detect.Scan()
	if err != nil {
		s.setError(err)
		return nil
	}
	if cand.Name != name {
		s.log.Warn("interface changed mid-tick, restarting chain next tick",
			zap.String("was", name), zap.String("now", cand.Name))
		return nil
	}
	return cand
}

// refreshPublicAddress observes the public address via the cellular
// interface when it is unknown (startup, post-rotation).
func (s *Supervisor) refreshPublicAddress(ctx context.Context, iface string) {
	if s.pubIP == nil {
		s.flushPendingRecord()
		return
	}
	s.mu.Lock()
	known := s.status.PublicAddress != ""
	s.mu.Unlock()
	if known && s.pendingRecord == nil {
		return
	}

	addr, err := s.pubIP(ctx, iface)
	if err != nil {
		s.log.Debug("public address lookup failed", zap.Error(err))
		s.flushPendingRecord()
		return
	}
	s.publish(func(st *Status) { st.PublicAddress = addr })
	if s.pendingRecord != nil {
		s.pendingRecord.NewAddress = addr
		if s.pendingRecord.OldAddress != "" && s.pendingRecord.OldAddress == addr {
			// Carrier handed the same address back; operators care.
			s.log.Warn("rotation returned the same public address",
				zap.String("addr", addr))
			s.pendingRecord.Outcome = "same-address"
		}
		s.flushPendingRecord()
	}
}

func (s *Supervisor) appendRecord(rec history.Record) {
	if s.hist == nil {
		return
	}
	if err := s.hist.Append(rec); err != nil {
		s.log.Warn("history append failed", zap.Error(err))
	}
}

func (s *Supervisor) flushPendingRecord() {
	if s.pendingRecord != nil {
		s.appendRecord(*s.pendingRecord)
		s.pendingRecord = nil
	}
}

// toState moves the machine, logging only on the transition edge so a
// stuck state doesn't flood the log every tick. Reports whether a
// transition happened.
func (s *Supervisor) toState(next State) bool {
	if s.state == next {
		return false
	}
	s.log.Info("state transition",
		zap.String("from", s.state.String()),
		zap.String("to", next.String()))
	s.state = next
	metrics.StateTransitions.WithLabelValues(next.String()).Inc()
	metrics.CurrentState.Set(float64(next))
	s.publish(func(st *Status) { st.State = next.String() })
	return true
}

func (s *Supervisor) setError(err error) {
	s.publish(func(st *Status) { st.LastError = err.Error() })
}

func (s *Supervisor) clearError() {
	s.publish(func(st *Status) { st.LastError = "" })
}

func (s *Supervisor) publish(f func(*Status)) {
	s.mu.Lock()
	f(&s.status)
	s.mu.Unlock()
}
