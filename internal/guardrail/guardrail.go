package guardrail

import (
	"context"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"ally-api/internal/metrics"
	"ally-api/internal/shared"

	"go.uber.org/zap"
)

type Config struct {
	// MaxLength bounds the user request in runes. MaxMessageBytes bounds the
	// whole message, wrapper context included.
	MaxLength       int
	MaxMessageBytes int
	Timeout         time.Duration
	VolumeLimit     int64
}

type Guardrail struct {
	classifier Classifier
	volume     VolumeCounter
	cfg        Config
	log        *zap.SugaredLogger
}

func New(classifier Classifier, volume VolumeCounter, cfg Config, log *zap.SugaredLogger) *Guardrail {
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = shared.GuardrailMaxInputLength
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = shared.GuardrailMaxMessageSize
	}
	cfg.MaxMessageBytes = max(cfg.MaxMessageBytes, cfg.MaxLength*utf8.UTFMax)
	if cfg.Timeout <= 0 {
		cfg.Timeout = shared.GuardrailTimeout
	}
	if cfg.VolumeLimit <= 0 {
		cfg.VolumeLimit = shared.GuardrailVolumeLimit
	}
	return &Guardrail{classifier: classifier, volume: volume, cfg: cfg, log: log}
}

// Validate runs the local checks and then the classifier. Nothing may reach
// the agent runtime unless this returns Safe.
func (g *Guardrail) Validate(ctx context.Context, userID, message string) Verdict {
	start := time.Now()
	v, done := g.localCheck(message)
	metrics.GuardrailDuration.WithLabelValues("1").Observe(time.Since(start).Seconds())
	if done {
		g.record(userID, v)
		return v
	}

	start = time.Now()
	v = g.classify(ctx, userID, ExtractRequest(message))
	metrics.GuardrailDuration.WithLabelValues("2").Observe(time.Since(start).Seconds())
	g.record(userID, v)
	return v
}

// localCheck returns done=true when stage 1 already decided the verdict
func (g *Guardrail) localCheck(message string) (Verdict, bool) {
	tooLong := Verdict{
		Safe:        false,
		Kind:        KindTooLong,
		Reason:      "input exceeds maximum length",
		UserMessage: fmt.Sprintf(msgTooLong, g.cfg.MaxLength),
		Stage:       StageLocal,
	}
	if len(message) > g.cfg.MaxMessageBytes {
		return tooLong, true
	}
	req, unwrapped := splitRequest(message)
	// A rune is at most 4 bytes, a longer request fails without counting
	if len(req) > g.cfg.MaxLength*utf8.UTFMax || utf8.RuneCountInString(req) > g.cfg.MaxLength {
		return tooLong, true
	}
	// Override patterns run on everything but the wrapper tags so text
	// injected around the request is checked too
	if matchesOverride(unwrapped) {
		return Verdict{
			Safe:        false,
			Kind:        KindInstructionOverride,
			Reason:      "matched instruction override pattern",
			UserMessage: msgOverride,
			Stage:       StageLocal,
		}, true
	}
	return Verdict{}, false
}

func (g *Guardrail) classify(ctx context.Context, userID, request string) Verdict {
	unverified := Verdict{
		Safe:        false,
		Kind:        KindUnverified,
		Reason:      "could not verify safety",
		UserMessage: msgUnverified,
		Stage:       StageClassifier,
	}
	if g.classifier == nil {
		return unverified
	}

	cctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()
	result, err := g.classifier.Classify(cctx, request)
	if err != nil {
		g.log.Warnw("Guardrail classifier failed, failing closed", "error", err, "user_id", userID)
		return unverified
	}
	if result == nil {
		return unverified
	}

	v := Verdict{
		Kind:        result.ViolationType,
		Reason:      result.Reasoning,
		UserMessage: result.UserReply,
		Stage:       StageClassifier,
	}
	switch result.ViolationType {
	case KindBulkDestructive:
		v.UserMessage = orDefault(v.UserMessage, msgBulk)
		return v
	case KindInstructionOverride:
		v.UserMessage = orDefault(v.UserMessage, msgOverride)
		return v
	case KindVagueDestructive:
		v.UserMessage = orDefault(v.UserMessage, msgVague)
		return v
	case KindScopeViolation:
		v.UserMessage = orDefault(v.UserMessage, msgScope)
		return v
	case KindVolumeAbuse:
		return g.softLimit(ctx, userID, v)
	case KindNone:
		if !result.IsSafe {
			v.UserMessage = orDefault(v.UserMessage, msgGenericBlock)
			return v
		}
		v.Safe = true
		v.UserMessage = ""
		return v
	}
	return unverified
}

// softLimit lets volume abuse through until the user trips the per window limit
func (g *Guardrail) softLimit(ctx context.Context, userID string, v Verdict) Verdict {
	g.log.Warnw("Guardrail flagged volume abuse", "user_id", userID, "reason", v.Reason)
	if g.volume != nil {
		count, err := g.volume.Incr(ctx, userID)
		if err != nil {
			g.log.Warnw("Failed counting volume flags, allowing", "error", err, "user_id", userID)
		} else if count > g.cfg.VolumeLimit {
			v.UserMessage = orDefault(v.UserMessage, msgVolume)
			return v
		}
	}
	v.Safe = true
	v.UserMessage = ""
	return v
}

func (g *Guardrail) record(userID string, v Verdict) {
	metrics.GuardrailVerdicts.WithLabelValues(strconv.Itoa(v.Stage), string(v.Kind), strconv.FormatBool(v.Safe)).Inc()
	if !v.Safe {
		g.log.Infow("Guardrail rejected message", "user_id", userID, "kind", v.Kind, "stage", v.Stage, "reason", v.Reason)
	}
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
