// Package router consumes inbound message jobs: it classifies the sender,
// persists the conversation, obtains an assistant reply and sends it back
// through the session.
package router

import (
	"context"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
)

// Sender roles attached to inbound messages.
const (
	RoleOwner    = "owner"
	RoleCustomer = "customer"
)

// OwnerLister exposes the allow-list of staff phone numbers.
type OwnerLister interface {
	ListOwnerNumbers(ctx context.Context, orgID string) ([]string, error)
}

// NormalizeNumber strips everything but digits so "+55 (11) 99999-0000"
// and "5511999990000" compare equal.
func NormalizeNumber(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Classifier decides whether a sender is pet shop staff or a customer. The
// allow-list is cached briefly to keep the hot path off the database.
type Classifier struct {
	owners OwnerLister
	cache  *cache.Cache
}

// NewClassifier builds a classifier with a five minute allow-list cache.
func NewClassifier(owners OwnerLister) *Classifier {
	return &Classifier{
		owners: owners,
		cache:  cache.New(5*time.Minute, 10*time.Minute),
	}
}

// Classify returns RoleOwner when the normalized sender number is on the
// organization's allow-list. Any lookup failure degrades to RoleCustomer:
// an operator misclassified as a customer gets a harmless reply, the
// reverse would leak owner capabilities.
func (c *Classifier) Classify(ctx context.Context, orgID, fromNumber string) string {
	number := NormalizeNumber(fromNumber)
	if number == "" {
		return RoleCustomer
	}

	allowed, err := c.allowList(ctx, orgID)
	if err != nil {
		log.Warn().Err(err).Str("organizationId", orgID).Msg("Owner lookup failed, treating sender as customer")
		return RoleCustomer
	}
	if allowed[number] {
		return RoleOwner
	}
	return RoleCustomer
}

// Invalidate drops the cached allow-list, e.g. after a number is added.
func (c *Classifier) Invalidate(orgID string) {
	c.cache.Delete(orgID)
}

func (c *Classifier) allowList(ctx context.Context, orgID string) (map[string]bool, error) {
	if cached, found := c.cache.Get(orgID); found {
		return cached.(map[string]bool), nil
	}
	numbers, err := c.owners.ListOwnerNumbers(ctx, orgID)
	if err != nil {
		return nil, err
	}
	allowed := make(map[string]bool, len(numbers))
	for _, n := range numbers {
		allowed[NormalizeNumber(n)] = true
	}
	c.cache.Set(orgID, allowed, cache.DefaultExpiration)
	return allowed, nil
}
