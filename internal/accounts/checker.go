// Package accounts validates that the account and category a recurring
// series references still exist before a transaction is materialized.
package accounts

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/roddomr/familyhub-sub000/internal/core"
)

// Store is the subset of the repository the checker needs.
type Store interface {
	AccountIsActive(ctx context.Context, id int64) (bool, error)
	CategoryExists(ctx context.Context, id int64) (bool, error)
}

// Checker answers validity lookups with a small positive-result cache so a
// catch-up pass over many occurrences of the same rule hits the database
// once. Negative results are never cached: a just-reactivated account must
// be seen immediately.
type Checker struct {
	store Store
	ttl   time.Duration

	mu      sync.Mutex
	entries map[string]time.Time
}

func NewChecker(store Store, ttl time.Duration) *Checker {
	return &Checker{
		store:   store,
		ttl:     ttl,
		entries: make(map[string]time.Time),
	}
}

// ValidateRule confirms the rule's account is active and, when set, its
// category exists. A failed check is a permanent materialization failure.
func (c *Checker) ValidateRule(ctx context.Context, rule core.RecurrenceRule) error {
	ok, err := c.check(ctx, "account:"+strconv.FormatInt(rule.AccountID, 10), func() (bool, error) {
		return c.store.AccountIsActive(ctx, rule.AccountID)
	})
	if err != nil {
		return fmt.Errorf("check account %d: %w", rule.AccountID, err)
	}
	if !ok {
		return fmt.Errorf("%w: account %d", core.ErrAccountNotFound, rule.AccountID)
	}

	if rule.CategoryID > 0 {
		ok, err := c.check(ctx, "category:"+strconv.FormatInt(rule.CategoryID, 10), func() (bool, error) {
			return c.store.CategoryExists(ctx, rule.CategoryID)
		})
		if err != nil {
			return fmt.Errorf("check category %d: %w", rule.CategoryID, err)
		}
		if !ok {
			return fmt.Errorf("%w: category %d", core.ErrCategoryNotFound, rule.CategoryID)
		}
	}

	return nil
}

func (c *Checker) check(ctx context.Context, key string, lookup func() (bool, error)) (bool, error) {
	c.mu.Lock()
	expires, cached := c.entries[key]
	if cached && time.Now().Before(expires) {
		c.mu.Unlock()
		return true, nil
	}
	if cached {
		delete(c.entries, key)
	}
	c.mu.Unlock()

	ok, err := lookup()
	if err != nil || !ok {
		return ok, err
	}

	c.mu.Lock()
	c.entries[key] = time.Now().Add(c.ttl)
	c.mu.Unlock()
	return true, nil
}

// Invalidate drops a cached validity result, e.g. after an account is
// deactivated through the API.
func (c *Checker) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// InvalidateAccount drops the cached result for an account.
func (c *Checker) InvalidateAccount(id int64) {
	c.Invalidate("account:" + strconv.FormatInt(id, 10))
}
