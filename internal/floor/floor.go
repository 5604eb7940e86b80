// Package floor decides who takes the floor next in a group conversation.
//
// A Manager runs one scheduling pass per trigger: a finished generation (automatic
// continuation, bounded by MaxTurns) or an operator directive (forced, unbounded).
// Each pass scores the eligible roster, picks a winner, loads the instruction
// channel and hands the turn to the Host.
package floor

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"ensemble/director/internal/instruction"
	"ensemble/director/internal/logging"
	"ensemble/director/internal/scorer"
	"ensemble/director/internal/types"
)

// Conversation is read-only access to the transcript and roster of one session.
type Conversation interface {
	Transcript() []types.Message
	// Group returns the member references of the group; ok is false when the
	// conversation is not a multi-party chat.
	Group() (members []string, ok bool)
	Resolve(ref string) (types.Candidate, bool)
}

type SettingsSource interface {
	Settings() Settings
}

// Host is the generation subsystem the Manager drives.
type Host interface {
	DispatchTurn(ctx context.Context, candidateID, instruction string) error
	OnGenerationEnded(func(ctx context.Context))
	OnBeforeGeneration(func(prompt string) string)
}

type Manager struct {
	conv     Conversation
	settings SettingsSource
	host     Host
	scorer   *scorer.Scorer
	channel  *instruction.Channel
	log      *logrus.Entry
	observe  func(trigger string, d Decision)

	mu    sync.Mutex
	st    SchedulerState
	phase State
}

type Option func(*Manager)

func WithScorer(s *scorer.Scorer) Option { return func(m *Manager) { m.scorer = s } }

func WithChannel(c *instruction.Channel) Option { return func(m *Manager) { m.channel = c } }

func WithLogger(l *logrus.Entry) Option { return func(m *Manager) { m.log = l } }

// WithObserver registers fn to receive every completed pass with its trigger.
func WithObserver(fn func(trigger string, d Decision)) Option {
	return func(m *Manager) { m.observe = fn }
}

// New builds a Manager and subscribes it to the host's generation hooks.
func New(conv Conversation, settings SettingsSource, host Host, opts ...Option) *Manager {
	m := &Manager{
		conv:     conv,
		settings: settings,
		host:     host,
		phase:    Idle,
	}
	for _, o := range opts {
		o(m)
	}
	if m.scorer == nil {
		m.scorer = scorer.New(nil)
	}
	if m.channel == nil {
		m.channel = instruction.New()
	}
	if m.log == nil {
		m.log = logging.NewLogger("ensemble.floor")
	}
	host.OnGenerationEnded(func(ctx context.Context) { m.OnGenerationEnded(ctx) })
	host.OnBeforeGeneration(m.BeforeGeneration)
	return m
}

// OnGenerationEnded runs an automatic-continuation pass.
func (m *Manager) OnGenerationEnded(ctx context.Context) Decision {
	m.mu.Lock()
	d := m.decideAuto()
	m.mu.Unlock()
	return m.complete(ctx, "generation_ended", d)
}

// Direct forces a turn now, ignoring threshold and the auto-turn budget. With an empty
// targetID the best eligible candidate is chosen. An empty instruction falls back to
// the default brevity instruction.
func (m *Manager) Direct(ctx context.Context, text, targetID string) Decision {
	m.mu.Lock()
	d := m.decideDirect(text, targetID)
	m.mu.Unlock()
	return m.complete(ctx, "directive", d)
}

// QueueOverride stores a directive for the next generation-ended pass. A newer
// override replaces an unconsumed one.
func (m *Manager) QueueOverride(o Override) {
	m.mu.Lock()
	m.st.PendingOverride = &o
	m.mu.Unlock()
	m.log.WithFields(logrus.Fields{"target": o.TargetID}).Info("override queued")
}

// ClearOverride drops a queued override and reports whether one was pending.
func (m *Manager) ClearOverride() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	had := m.st.PendingOverride != nil
	m.st.PendingOverride = nil
	return had
}

// ObserveMessage resets the auto-turn budget when the operator speaks.
func (m *Manager) ObserveMessage(msg types.Message) {
	if !msg.FromHuman() {
		return
	}
	m.mu.Lock()
	m.st.AutoTurnCount = 0
	m.mu.Unlock()
}

// BeforeGeneration appends the pending instruction, if any, to the outgoing prompt.
func (m *Manager) BeforeGeneration(prompt string) string {
	out, ok := m.channel.Apply(prompt)
	if ok {
		metricInstructionsConsumed.Inc()
	}
	return out
}

// Snapshot returns a copy of the scheduler state.
func (m *Manager) Snapshot() SchedulerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := SchedulerState{AutoTurnCount: m.st.AutoTurnCount}
	if m.st.PendingOverride != nil {
		o := *m.st.PendingOverride
		out.PendingOverride = &o
	}
	return out
}

func (m *Manager) Phase() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

func (m *Manager) Channel() *instruction.Channel { return m.channel }

// decideAuto must be called with m.mu held.
func (m *Manager) decideAuto() Decision {
	s := m.settings.Settings()
	if !s.Enabled {
		return Decision{State: Idle, Reason: ReasonDisabled, AutoTurnCount: m.st.AutoTurnCount}
	}
	members, grouped := m.conv.Group()
	if !grouped {
		return Decision{State: Idle, Reason: ReasonNoGroup, AutoTurnCount: m.st.AutoTurnCount}
	}
	history := m.conv.Transcript()
	if len(history) == 0 {
		return Decision{State: Idle, Reason: ReasonEmptyTranscript, AutoTurnCount: m.st.AutoTurnCount}
	}
	last := history[len(history)-1]
	if last.FromHuman() {
		m.st.AutoTurnCount = 0
		return Decision{State: Idle, Reason: ReasonHumanTurn}
	}

	m.st.AutoTurnCount++
	if m.st.AutoTurnCount > s.MaxTurns {
		m.setPhase(Suppressed)
		return Decision{State: Suppressed, Reason: ReasonBudgetExhausted, AutoTurnCount: m.st.AutoTurnCount}
	}

	candidates := m.resolve(members)

	if ov := m.st.PendingOverride; ov != nil {
		m.st.PendingOverride = nil
		m.setPhase(Overridden)
		d := m.decideOverride(history, candidates, s, ov.TargetID, ov.Instruction)
		d.AutoTurnCount = m.st.AutoTurnCount
		if d.State == Selected {
			d.Reason = ReasonOverride
		}
		return d
	}

	m.setPhase(AwaitingDecision)
	ranked := scorer.Rank(m.scorer.Score(history, candidates, s.Talkativeness))
	m.logRanked(ranked)
	best, ok := scorer.Pick(ranked, s.Threshold, true)
	if !ok {
		reason := ReasonBelowThreshold
		if len(ranked) == 0 {
			reason = ReasonNoCandidates
		}
		m.setPhase(Suppressed)
		return Decision{
			State:         Suppressed,
			Reason:        reason,
			CandidateID:   best.Candidate.ID,
			CandidateName: best.Candidate.Name,
			Score:         best.Score,
			AutoTurnCount: m.st.AutoTurnCount,
			Ranked:        ranked,
		}
	}

	text := instruction.Default(speakerLabel(last))
	m.channel.SetPending(text)
	m.setPhase(Selected)
	return Decision{
		State:         Selected,
		Reason:        ReasonScored,
		CandidateID:   best.Candidate.ID,
		CandidateName: best.Candidate.Name,
		Score:         best.Score,
		Instruction:   text,
		AutoTurnCount: m.st.AutoTurnCount,
		Ranked:        ranked,
	}
}

// decideDirect must be called with m.mu held.
func (m *Manager) decideDirect(text, targetID string) Decision {
	members, grouped := m.conv.Group()
	if !grouped {
		return Decision{State: Idle, Reason: ReasonNoGroup, AutoTurnCount: m.st.AutoTurnCount}
	}
	s := m.settings.Settings()
	history := m.conv.Transcript()
	m.setPhase(Overridden)
	d := m.decideOverride(history, m.resolve(members), s, targetID, text)
	d.AutoTurnCount = m.st.AutoTurnCount
	if d.State == Selected {
		d.Reason = ReasonDirective
	}
	return d
}

// decideOverride resolves an override target and loads the instruction channel. It
// never consults the threshold. An unresolvable target leaves the channel untouched.
func (m *Manager) decideOverride(history []types.Message, candidates []types.Candidate, s Settings, targetID, text string) Decision {
	ranked := scorer.Rank(m.scorer.Score(history, candidates, s.Talkativeness))
	m.logRanked(ranked)

	var best scorer.Scored
	ok := false
	if targetID == "" {
		best, ok = scorer.Pick(ranked, 0, false)
	} else {
		for _, sc := range ranked {
			if sc.Candidate.ID == targetID {
				best, ok = sc, true
				break
			}
		}
	}
	if !ok {
		m.setPhase(Suppressed)
		return Decision{State: Suppressed, Reason: ReasonOverrideUnresolved, CandidateID: targetID, Ranked: ranked}
	}

	if text == "" {
		var last types.Message
		if len(history) > 0 {
			last = history[len(history)-1]
		}
		text = instruction.Default(speakerLabel(last))
	}
	m.channel.SetPending(text)
	m.setPhase(Selected)
	return Decision{
		State:         Selected,
		CandidateID:   best.Candidate.ID,
		CandidateName: best.Candidate.Name,
		Score:         best.Score,
		Instruction:   text,
		Ranked:        ranked,
	}
}

// complete hands a selected turn to the host, then records the pass and returns the
// Manager to Idle. It runs without m.mu so the host may call back into the Manager.
func (m *Manager) complete(ctx context.Context, trigger string, d Decision) Decision {
	if d.State == Selected {
		if err := m.host.DispatchTurn(ctx, d.CandidateID, d.Instruction); err != nil {
			m.channel.Clear()
			metricDispatchFailures.Inc()
			d.State = Suppressed
			d.Reason = ReasonDispatchFailed
			d.Err = err
		} else {
			metricWinnerScore.Observe(d.Score)
		}
	}

	m.mu.Lock()
	m.setPhase(Idle)
	m.mu.Unlock()

	metricPasses.WithLabelValues(trigger, d.Reason).Inc()
	fields := logrus.Fields{
		"trigger":         trigger,
		"reason":          d.Reason,
		"auto_turn_count": d.AutoTurnCount,
	}
	if d.CandidateID != "" {
		fields["candidate"] = d.CandidateID
		fields["score"] = d.Score
	}
	switch {
	case d.Err != nil:
		m.log.WithError(d.Err).WithFields(fields).Warn("turn dispatch failed")
	case d.State == Selected:
		m.log.WithFields(fields).Info("turn dispatched")
	case d.State == Suppressed:
		m.log.WithFields(fields).Info("turn suppressed")
	default:
		m.log.WithFields(fields).Debug("pass skipped")
	}
	if m.observe != nil {
		m.observe(trigger, d)
	}
	return d
}

// resolve maps member references to candidates in roster order, skipping unknown refs.
func (m *Manager) resolve(members []string) []types.Candidate {
	out := make([]types.Candidate, 0, len(members))
	for _, ref := range members {
		c, ok := m.conv.Resolve(ref)
		if !ok {
			m.log.WithField("member", ref).Debug("skipping unresolvable roster entry")
			continue
		}
		out = append(out, c)
	}
	return out
}

func (m *Manager) setPhase(to State) {
	from := m.phase
	if from == to {
		return
	}
	metricStateTransitions.WithLabelValues(from.String(), to.String()).Inc()
	m.phase = to
}

func (m *Manager) logRanked(ranked []scorer.Scored) {
	if !m.log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	for _, sc := range ranked {
		m.log.WithFields(logrus.Fields{
			"candidate": sc.Candidate.ID,
			"score":     sc.Score,
			"mention":   sc.Breakdown.Mention,
			"recency":   sc.Breakdown.Recency,
			"keyword":   sc.Breakdown.Keyword,
			"noise":     sc.Breakdown.Noise,
		}).Debug("candidate scored")
	}
}

func speakerLabel(msg types.Message) string {
	switch {
	case msg.SpeakerName != "":
		return msg.SpeakerName
	case msg.FromHuman():
		return "the user"
	case msg.SpeakerID != "":
		return msg.SpeakerID
	default:
		return "the group"
	}
}
