package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Stage names used in logs and metrics
const (
	stageCollect   = "stage1"
	stageRank      = "stage2"
	stageSynthesis = "stage3"
	stageTitle     = "title"
)

// maxTitleLength bounds generated conversation titles
const maxTitleLength = 50

var (
	// ErrNoCouncilResponses means every member failed Stage 1, leaving nothing to rank.
	ErrNoCouncilResponses = errors.New("all council models failed to respond")

	// ErrChairmanFailed means the Stage 3 synthesis call failed.
	ErrChairmanFailed = errors.New("chairman model query failed")
)

// Council runs the three council stages against a fixed set of members.
type Council struct {
	client       ModelClient
	members      []CouncilMember
	chairman     string
	titleModel   string
	titleTimeout time.Duration
	shuffle      ShuffleFunc
	logger       *zap.Logger
	metrics      *Metrics
}

// NewCouncil creates a council from its configuration. metrics may be nil.
func NewCouncil(client ModelClient, cfg CouncilConfig, logger *zap.Logger, metrics *Metrics) *Council {
	members := make([]CouncilMember, len(cfg.Members))
	copy(members, cfg.Members)

	return &Council{
		client:       client,
		members:      members,
		chairman:     cfg.Chairman,
		titleModel:   cfg.TitleModel,
		titleTimeout: cfg.TitleTimeout,
		logger:       logger.With(zap.String("component", "council")),
		metrics:      metrics,
	}
}

// Members returns the configured members in configuration order.
func (c *Council) Members() []CouncilMember {
	out := make([]CouncilMember, len(c.members))
	copy(out, c.members)
	return out
}

// invoke calls one model and records the outcome.
func (c *Council) invoke(ctx context.Context, stage, model, prompt string) (string, error) {
	start := time.Now()
	text, err := c.client.Invoke(ctx, model, prompt)
	c.metrics.RecordInvocation(stage, model, err, time.Since(start))
	if err != nil {
		c.logger.Warn("model invocation failed",
			zap.String("stage", stage),
			zap.String("model", model),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		return "", err
	}
	return text, nil
}

// memberReply is the outcome of one member's invocation
type memberReply struct {
	text string
	err  error
}

// queryMembers sends prompt to every member in parallel and waits for all of them.
// Replies are indexed like c.members, whatever order they complete in. A failing
// member never affects the others.
func (c *Council) queryMembers(ctx context.Context, stage, prompt string) []memberReply {
	replies := make([]memberReply, len(c.members))

	var g errgroup.Group
	for i, member := range c.members {
		g.Go(func() error {
			text, err := c.invoke(ctx, stage, member.Model, prompt)
			replies[i] = memberReply{text: text, err: err}
			return nil
		})
	}
	_ = g.Wait()

	return replies
}

// Stage1CollectResponses asks every member the question in parallel.
// Every member yields exactly one result, in configuration order; failures are
// recorded on the result instead of being returned.
func (c *Council) Stage1CollectResponses(ctx context.Context, question string, history []ConversationHistoryEntry) []Stage1Result {
	prompt := buildStage1Prompt(question, history)
	replies := c.queryMembers(ctx, stageCollect, prompt)

	results := make([]Stage1Result, len(c.members))
	for i, member := range c.members {
		results[i] = Stage1Result{Model: member.Model}
		if replies[i].err != nil {
			results[i].Error = stringPtr(replies[i].err.Error())
			continue
		}
		results[i].Content = stringPtr(replies[i].text)
	}

	return results
}

// Stage2CollectRankings asks every member, including those that failed Stage 1, to
// rank the anonymized responses. Rankings that cannot be parsed are recorded as errors.
func (c *Council) Stage2CollectRankings(ctx context.Context, question string, responses []AnonymizedResponse, history []ConversationHistoryEntry) []Stage2Result {
	labels := make([]string, len(responses))
	for i, r := range responses {
		labels[i] = r.Label
	}

	prompt := buildRankingPrompt(question, responses, history)
	replies := c.queryMembers(ctx, stageRank, prompt)

	results := make([]Stage2Result, len(c.members))
	for i, member := range c.members {
		results[i] = Stage2Result{Model: member.Model, Ranking: []string{}}
		if replies[i].err != nil {
			results[i].Error = stringPtr(replies[i].err.Error())
			continue
		}

		results[i].RawText = replies[i].text
		ranking, err := ParseRanking(replies[i].text, labels)
		if err != nil {
			c.logger.Warn("ranking rejected",
				zap.String("model", member.Model),
				zap.Error(err),
			)
			results[i].Error = stringPtr(err.Error())
			continue
		}
		results[i].Ranking = ranking
	}

	return results
}

// Stage3SynthesizeFinal asks the chairman for the final verdict.
// A chairman failure fails the turn; there is no fallback.
func (c *Council) Stage3SynthesizeFinal(ctx context.Context, question string, stage1 []Stage1Result, stage2 []Stage2Result, metadata Metadata, history []ConversationHistoryEntry) (*Stage3Result, error) {
	prompt := buildChairmanPrompt(question, stage1, stage2, metadata, history)

	response, err := c.invoke(ctx, stageSynthesis, c.chairman, prompt)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrChairmanFailed, err)
	}

	return &Stage3Result{
		Model:    c.chairman,
		Response: response,
	}, nil
}

// GenerateConversationTitle generates a short title for a conversation.
// Surrounding quotes are stripped and long titles are truncated.
func (c *Council) GenerateConversationTitle(ctx context.Context, question string) (string, error) {
	if c.titleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.titleTimeout)
		defer cancel()
	}

	response, err := c.invoke(ctx, stageTitle, c.titleModel, buildTitlePrompt(question))
	if err != nil {
		return "", fmt.Errorf("title generation failed: %w", err)
	}

	title := strings.TrimSpace(response)
	title = strings.Trim(title, "\"'")
	title = strings.TrimSpace(title)
	if title == "" {
		return "", fmt.Errorf("title generation failed: empty title")
	}

	if runes := []rune(title); len(runes) > maxTitleLength {
		title = string(runes[:maxTitleLength-3]) + "..."
	}

	return title, nil
}

// progressFunc is told about every stage transition of a run.
type progressFunc func(state TurnState, data any, metadata *Metadata) error

// RunFullCouncil runs the three stages for question and returns all stage data.
func (c *Council) RunFullCouncil(ctx context.Context, question string, history []ConversationHistoryEntry) (*SendMessageResponse, error) {
	return c.runStages(ctx, question, history, nil)
}

// runStages runs Stage 1, anonymization, Stage 2, aggregation and Stage 3 in order,
// reporting each transition to progress. An error from progress stops the run.
func (c *Council) runStages(ctx context.Context, question string, history []ConversationHistoryEntry, progress progressFunc) (*SendMessageResponse, error) {
	if progress == nil {
		progress = func(TurnState, any, *Metadata) error { return nil }
	}

	// Stage 1
	if err := progress(StateStage1Running, nil, nil); err != nil {
		return nil, err
	}
	stage1 := c.Stage1CollectResponses(ctx, question, history)
	if err := progress(StateStage1Done, stage1, nil); err != nil {
		return nil, err
	}

	anonymized, labels := Anonymize(stage1, c.shuffle)
	if labels.Len() == 0 {
		return nil, ErrNoCouncilResponses
	}

	// Stage 2
	if err := progress(StateStage2Running, nil, nil); err != nil {
		return nil, err
	}
	stage2 := c.Stage2CollectRankings(ctx, question, anonymized, history)
	metadata := Metadata{
		LabelToModel:      labels,
		AggregateRankings: CalculateAggregateRankings(stage2, labels, c.members),
	}
	if err := progress(StateStage2Done, stage2, &metadata); err != nil {
		return nil, err
	}

	// Stage 3
	if err := progress(StateStage3Running, nil, nil); err != nil {
		return nil, err
	}
	stage3, err := c.Stage3SynthesizeFinal(ctx, question, stage1, stage2, metadata, history)
	if err != nil {
		return nil, err
	}
	if err := progress(StateStage3Done, stage3, nil); err != nil {
		return nil, err
	}

	return &SendMessageResponse{
		Stage1:   stage1,
		Stage2:   stage2,
		Stage3:   *stage3,
		Metadata: metadata,
	}, nil
}
