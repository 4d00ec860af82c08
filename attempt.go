package main

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

type OutcomeStatus int

const (
	OutcomeFailure OutcomeStatus = iota
	OutcomeSuccess
	OutcomeAlreadyDone
)

// Outcome is the terminal state of one attempt, or of a whole retry run.
type Outcome struct {
	Status OutcomeStatus
	Err    error
	Match  *MatchResult
}

func failure(err error) Outcome {
	return Outcome{Status: OutcomeFailure, Err: err}
}

func (o Outcome) Failed() bool {
	return o.Status == OutcomeFailure
}

func (o Outcome) Kind() ErrorKind {
	return KindOf(o.Err)
}

// Label names the outcome for logs and metrics.
func (o Outcome) Label() string {
	switch o.Status {
	case OutcomeSuccess:
		return "success"
	case OutcomeAlreadyDone:
		return "already_done"
	default:
		return o.Kind().String()
	}
}

// MatchResult is the chosen option and its score.
type MatchResult struct {
	Option *Option
	Score  float64
}

// ScoredOption is one option after resolution and scoring. Err is set when
// the option could not be scored.
type ScoredOption struct {
	Option *Option
	Score  float64
	Err    error
}

// SelectMatch picks the lowest score within threshold. Ties go to the
// earliest option; unscored options are ignored.
func SelectMatch(scored []ScoredOption, threshold float64) (*MatchResult, error) {
	var best *MatchResult
	bestScore := math.Inf(1)
	for _, s := range scored {
		if s.Err != nil || math.IsNaN(s.Score) {
			continue
		}
		if s.Score <= threshold && s.Score < bestScore {
			best = &MatchResult{Option: s.Option, Score: s.Score}
			bestScore = s.Score
		}
	}
	if best == nil {
		return nil, errorf(KindNoMatch, "select", "none of %d options scored within %.3f", len(scored), threshold)
	}
	return best, nil
}

type imageFetcher interface {
	Fetch(ctx context.Context, target string) ([]byte, error)
}

// loadImage resolves and downloads the option's poster once; later calls
// return the cached result.
func (o *Option) loadImage(ctx context.Context, resolver CandidateResolver, fetcher imageFetcher) ([]byte, error) {
	if o.loaded {
		return o.image, o.imageErr
	}
	o.loaded = true

	imageURL, err := resolver.Resolve(ctx, o.Label)
	if err != nil {
		o.imageErr = err
		return nil, err
	}
	o.ImageURL = imageURL
	o.image, o.imageErr = fetcher.Fetch(ctx, imageURL)
	return o.image, o.imageErr
}

// AttemptEngine runs one full check-in: fetch the challenge, score every
// option against the puzzle, submit the best one.
type AttemptEngine struct {
	site      SiteConfig
	resolver  CandidateResolver
	scorer    Scorer
	threshold float64
	metrics   *Metrics
	logger    *zap.Logger
}

func NewAttemptEngine(site SiteConfig, resolver CandidateResolver, scorer Scorer, threshold float64, metrics *Metrics, logger *zap.Logger) *AttemptEngine {
	return &AttemptEngine{
		site:      site,
		resolver:  resolver,
		scorer:    scorer,
		threshold: threshold,
		metrics:   metrics,
		logger:    logger,
	}
}

func (e *AttemptEngine) Attempt(ctx context.Context, auth *AuthSession) Outcome {
	logger := e.logger.With(zap.String("account", auth.account.ID))

	challenge, err := FetchChallenge(ctx, auth, e.site)
	if errors.Is(err, ErrAlreadyCheckedIn) {
		return Outcome{Status: OutcomeAlreadyDone, Err: err}
	}
	if err != nil {
		return failure(err)
	}
	logger.Debug("Challenge loaded", zap.String("image", challenge.ImageURL), zap.Int("options", len(challenge.Options)))

	puzzle, err := auth.Fetch(ctx, challenge.ImageURL)
	if err != nil {
		return failure(err)
	}
	reference, err := e.scorer.Reference(puzzle)
	if err != nil {
		return failure(newError(KindParse, "puzzle image", err))
	}

	scored := make([]ScoredOption, 0, len(challenge.Options))
	for _, opt := range challenge.Options {
		if err := ctx.Err(); err != nil {
			return failure(networkError("attempt", err))
		}

		data, err := opt.loadImage(ctx, e.resolver, auth)
		if err != nil {
			logger.Debug("Skipping option without poster", zap.String("option", opt.Label), zap.Error(err))
			scored = append(scored, ScoredOption{Option: opt, Err: err})
			continue
		}

		score, err := scoreAsync(ctx, reference, data)
		if err != nil {
			logger.Debug("Skipping unscorable option", zap.String("option", opt.Label), zap.Error(err))
			scored = append(scored, ScoredOption{Option: opt, Err: err})
			continue
		}

		e.metrics.observeScore(score)
		logger.Debug("Scored option", zap.String("option", opt.Label), zap.Float64("score", score))
		scored = append(scored, ScoredOption{Option: opt, Score: score})
	}

	match, err := SelectMatch(scored, e.threshold)
	if err != nil {
		return failure(err)
	}
	logger.Info("Picked option", zap.String("option", match.Option.Label), zap.Float64("score", match.Score))

	if err := e.submit(ctx, auth, match.Option.Value); err != nil {
		return Outcome{Status: OutcomeFailure, Err: err, Match: match}
	}
	return Outcome{Status: OutcomeSuccess, Match: match}
}

func (e *AttemptEngine) submit(ctx context.Context, auth *AuthSession, value string) error {
	form := map[string]string{
		"answer": value,
		"submit": e.site.SubmitLabel,
	}
	resp, err := auth.RawRequest(ctx, http.MethodPost, e.site.URL(e.site.AttendancePath), form)
	if err != nil {
		return err
	}
	if !strings.Contains(resp.String(), e.site.SuccessMarker) {
		return errorf(KindSubmission, "submit", "response does not contain %q", e.site.SuccessMarker)
	}
	return nil
}

// scoreAsync keeps the CPU-bound comparison off the caller's goroutine so a
// cancelled context is noticed without waiting for it.
func scoreAsync(ctx context.Context, reference Reference, candidate []byte) (float64, error) {
	type result struct {
		score float64
		err   error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: errorf(KindParse, "score", "panic: %v", r)}
			}
		}()
		s, err := reference.Score(candidate)
		done <- result{s, err}
	}()

	select {
	case r := <-done:
		return r.score, r.err
	case <-ctx.Done():
		return 0, networkError("score", ctx.Err())
	}
}
