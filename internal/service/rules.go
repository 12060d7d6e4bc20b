package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ephemeral-bot/internal/config"
	"ephemeral-bot/internal/logger"
	"ephemeral-bot/internal/models"
)

var (
	ErrInvalidExpiration = errors.New("expiration must be 1, 6, 24 or 168 hours")
	ErrFreeTierLimit     = errors.New("free plan channel limit reached")
	ErrNoActiveRule      = errors.New("no active expiration rule for this channel")
)

// PolicyRepository is the rule persistence behind RuleService.
type PolicyRepository interface {
	Lookup(ctx context.Context, communityID, channelID string) (*models.Policy, error)
	Upsert(ctx context.Context, p *models.Policy) error
	Deactivate(ctx context.Context, communityID, channelID string) (bool, error)
	CountActive(ctx context.Context, communityID string) (int64, error)
	ListActive(ctx context.Context, communityID string) ([]models.Policy, error)
}

// CommunityRepository is the community persistence behind RuleService.
type CommunityRepository interface {
	Get(ctx context.Context, communityID string) (*models.Community, error)
	CreateOrUpdate(ctx context.Context, c *models.Community) error
}

// ChannelPurger deletes the pending messages of a channel right away.
type ChannelPurger interface {
	DeleteChannelPending(ctx context.Context, communityID, channelID string, reason models.DeletionReason) (int, error)
}

// SetupRequest describes a rule an administrator wants on a channel.
type SetupRequest struct {
	CommunityID     string
	ChannelID       string
	ChannelName     string
	CreatedBy       string
	ExpirationHours int
	PreservePinned  bool
	ExcludeRoles    []string
	ExcludeUsers    []string
}

// StopResult reports what StopChannel did.
type StopResult struct {
	Previous *models.Policy
	Purged   int
}

// RuleService manages channel expiration rules and serves them, cached, to
// the ingestion path.
type RuleService struct {
	policies    PolicyRepository
	communities CommunityRepository
	purger      ChannelPurger
	freeLimit   int
	cache       *PolicyCache
	now         func() time.Time
}

func NewRuleService(policies PolicyRepository, communities CommunityRepository, cfg config.SubscriptionConfig) *RuleService {
	now := func() time.Time { return time.Now().UTC() }
	return &RuleService{
		policies:    policies,
		communities: communities,
		freeLimit:   cfg.FreeChannelLimit,
		cache:       NewPolicyCache(cfg.RuleCacheTTL, now),
		now:         now,
	}
}

// SetPurger connects the service to the engine that deletes pending messages
// when a rule is stopped with purge. The engine resolves rules through the
// service, so the two are wired after construction.
func (s *RuleService) SetPurger(p ChannelPurger) {
	s.purger = p
}

// Cache exposes the rule cache for periodic pruning.
func (s *RuleService) Cache() *PolicyCache {
	return s.cache
}

// Lookup returns the active policy of a channel, nil when there is none.
func (s *RuleService) Lookup(ctx context.Context, communityID, channelID string) (*models.Policy, error) {
	if p, ok := s.cache.Get(communityID, channelID); ok {
		return p, nil
	}

	gen := s.cache.Generation(communityID, channelID)
	p, err := s.policies.Lookup(ctx, communityID, channelID)
	if err != nil {
		// not cached, the next message retries the store
		return nil, err
	}
	s.cache.Fill(communityID, channelID, p, gen)
	return p, nil
}

// SetupChannel creates or replaces the rule of a channel. Replacing a rule
// never counts against the free plan limit.
func (s *RuleService) SetupChannel(ctx context.Context, req SetupRequest) (*models.Policy, error) {
	if !models.ValidExpirationHours(req.ExpirationHours) {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidExpiration, req.ExpirationHours)
	}

	existing, err := s.policies.Lookup(ctx, req.CommunityID, req.ChannelID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		if err := s.checkLimit(ctx, req.CommunityID); err != nil {
			return nil, err
		}
	}

	p := &models.Policy{
		CommunityID:     req.CommunityID,
		ChannelID:       req.ChannelID,
		ChannelName:     req.ChannelName,
		CreatedBy:       req.CreatedBy,
		ExpirationHours: req.ExpirationHours,
		PreservePinned:  req.PreservePinned,
		ExcludeRoles:    req.ExcludeRoles,
		ExcludeUsers:    req.ExcludeUsers,
	}
	if err := s.policies.Upsert(ctx, p); err != nil {
		s.cache.Invalidate(req.CommunityID, req.ChannelID)
		return nil, err
	}
	s.cache.Put(req.CommunityID, req.ChannelID, p)

	logger.Infof("Expiration rule for %s/%s set to %dh by %s", p.CommunityID, p.ChannelID, p.ExpirationHours, p.CreatedBy)
	return p, nil
}

func (s *RuleService) checkLimit(ctx context.Context, communityID string) error {
	if s.freeLimit == 0 {
		return nil
	}
	community, err := s.communities.Get(ctx, communityID)
	if err != nil {
		return err
	}
	if community.EffectiveTier(s.now()) != models.TierFree {
		return nil
	}
	active, err := s.policies.CountActive(ctx, communityID)
	if err != nil {
		return err
	}
	if active >= int64(s.freeLimit) {
		return fmt.Errorf("%w: %d/%d channels", ErrFreeTierLimit, active, s.freeLimit)
	}
	return nil
}

// StopChannel deactivates the rule of a channel. Messages already tracked keep
// their expiry unless purge is set, in which case they are deleted now.
func (s *RuleService) StopChannel(ctx context.Context, communityID, channelID string, purge bool) (StopResult, error) {
	var result StopResult

	previous, err := s.policies.Lookup(ctx, communityID, channelID)
	if err != nil {
		return result, err
	}
	ok, err := s.policies.Deactivate(ctx, communityID, channelID)
	s.cache.Invalidate(communityID, channelID)
	if err != nil {
		return result, err
	}
	if !ok {
		return result, ErrNoActiveRule
	}
	result.Previous = previous
	s.cache.Put(communityID, channelID, nil)
	logger.Infof("Expiration rule for %s/%s stopped", communityID, channelID)

	if !purge {
		return result, nil
	}
	if s.purger == nil {
		return result, errors.New("purge requested but no deletion engine is connected")
	}
	n, err := s.purger.DeleteChannelPending(ctx, communityID, channelID, models.ReasonRuleRemoved)
	result.Purged = n
	if err != nil {
		return result, fmt.Errorf("purge %s/%s: %w", communityID, channelID, err)
	}
	logger.Infof("Deleted %d pending messages of %s/%s", n, communityID, channelID)
	return result, nil
}

// ListRules returns the active rules of a community.
func (s *RuleService) ListRules(ctx context.Context, communityID string) ([]models.Policy, error) {
	return s.policies.ListActive(ctx, communityID)
}

// RegisterCommunity records a community the bot was added to. Tier and stats
// of a known community are left untouched.
func (s *RuleService) RegisterCommunity(ctx context.Context, communityID, name, ownerID string) error {
	c, err := s.communities.Get(ctx, communityID)
	if err != nil {
		return err
	}
	if c == nil {
		c = &models.Community{CommunityID: communityID, Tier: models.TierFree}
	}
	c.Name = name
	if ownerID != "" {
		c.OwnerID = ownerID
	}
	return s.communities.CreateOrUpdate(ctx, c)
}
