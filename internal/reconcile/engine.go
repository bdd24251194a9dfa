// Package reconcile owns the identity boundaries of the cart/favorites
// core: merging guest state into a freshly-authenticated account, wiping
// server-derived state on logout, and adopting newer snapshots written by
// sibling processes sharing the same local store.
package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aurelle-jewellery/cartsync/internal/cart"
	"github.com/aurelle-jewellery/cartsync/internal/cartstore"
	"github.com/aurelle-jewellery/cartsync/internal/localstore"
	"github.com/aurelle-jewellery/cartsync/internal/syncclient"
)

// retryBase paces the background push retries after a failed login merge.
const retryBase = 2 * time.Second

// Engine coordinates the store, the local snapshot, and the remote API
// across auth-state transitions and cross-process snapshot events.
type Engine struct {
	store  *cartstore.Store
	local  *localstore.Store
	remote cartstore.Remote

	mu          sync.Mutex
	retryCancel context.CancelFunc

	// retryBase is overridable in tests.
	retryBase time.Duration
	retryWG   sync.WaitGroup
}

// New wires an engine and registers itself as the store's demotion hook.
func New(store *cartstore.Store, local *localstore.Store, remote cartstore.Remote) *Engine {
	e := &Engine{store: store, local: local, remote: remote, retryBase: retryBase}
	store.SetOnAuthError(e.demote)
	return e
}

// SetAuthenticated is the single entry point for auth-state transitions.
// Call with true after login, false after logout.
func (e *Engine) SetAuthenticated(ctx context.Context, authenticated bool) {
	if authenticated {
		e.stopRetry()
		e.login(ctx)
		return
	}
	e.logout()
}

// login merges the guest-accumulated state with the account's server state
// and pushes the union. The UI is never blocked: on push failure the
// merged state stays visible as `conflict` and is retried silently.
func (e *Engine) login(ctx context.Context) {
	e.store.Promote()

	guestItems := e.store.Items()
	guestFavs := e.store.FavoriteIDs()

	remoteItems, err := e.remote.FetchCart(ctx)
	if err != nil {
		e.loginFetchFailed(err)
		return
	}
	remoteFavs, err := e.remote.FetchFavorites(ctx)
	if err != nil {
		e.loginFetchFailed(err)
		return
	}

	mergedItems := MergeCarts(guestItems, remoteItems)
	mergedFavs := MergeFavorites(guestFavs, remoteFavs)

	// The guest snapshot is superseded by whatever the merge push returns;
	// clear it now so a crash mid-push cannot resurrect pre-merge state.
	if err := e.local.Clear(); err != nil {
		log.Warn().Err(err).Msg("failed to clear guest snapshot")
	}

	if err := e.push(ctx, mergedItems, mergedFavs, remoteFavs); err != nil {
		var authErr syncclient.AuthError
		if errors.As(err, &authErr) {
			e.demote()
			return
		}
		log.Warn().Err(err).Msg("login merge push failed, keeping merged state as conflict")
		e.store.ReplaceAll(mergedItems, mergedFavs, cart.StatusConflict)
		e.scheduleRetry(mergedItems, mergedFavs)
	}
}

func (e *Engine) loginFetchFailed(err error) {
	var authErr syncclient.AuthError
	if errors.As(err, &authErr) {
		log.Warn().Err(err).Msg("login fetch rejected auth, staying guest")
		e.demote()
		return
	}
	// Can't see the server cart yet; keep the local state visible and
	// retry the whole login merge in the background.
	log.Warn().Err(err).Msg("login fetch failed, deferring merge")
	e.store.MarkConflict()
	e.scheduleLoginRetry()
}

// push replaces the server cart with the merged one and toggles on every
// favorite the server does not have yet, then adopts the server's
// authoritative answer.
func (e *Engine) push(ctx context.Context, items []cart.CartItem, favs, serverFavs []string) error {
	confirmed, err := e.remote.ReplaceCart(ctx, items)
	if err != nil {
		var valErr syncclient.ValidationError
		if errors.As(err, &valErr) && valErr.Items != nil {
			// Server vetoed part of the merge (stock, discontinued lines)
			// and told us what survived. That is the truth.
			confirmed = valErr.Items
		} else {
			return err
		}
	}

	onServer := make(map[string]bool, len(serverFavs))
	for _, id := range serverFavs {
		onServer[id] = true
	}

	finalFavs := serverFavs
	for _, id := range favs {
		if onServer[id] {
			continue
		}
		set, err := e.remote.ToggleFavorite(ctx, id)
		if err != nil {
			return err
		}
		finalFavs = set
	}

	e.store.AdoptServerState(confirmed, finalFavs)
	return nil
}

// logout discards server-derived state entirely. Persisting another
// user's cart under the guest slot would leak it to the next session.
func (e *Engine) logout() {
	e.stopRetry()
	e.store.Reset()
	if err := e.local.Clear(); err != nil {
		log.Warn().Err(err).Msg("failed to clear snapshot on logout")
	}
}

// demote is the AuthError path: drop to guest mode but keep what the user
// sees. Unlike logout this is not an identity change, just a dead token.
func (e *Engine) demote() {
	e.stopRetry()
	e.store.Demote()
}

// HandleStorageEvent is the single entry point for "another process wrote
// the snapshot" notifications. Snapshot-level last-writer-wins: if the
// stored snapshot is newer than what this store last persisted, it
// replaces memory wholesale.
func (e *Engine) HandleStorageEvent(ctx context.Context) {
	snap, err := e.local.Load()
	if err != nil || snap == nil {
		return
	}
	if snap.SavedAtMs <= e.store.LastSavedMs() {
		return
	}

	log.Debug().Int64("savedAt", snap.SavedAtMs).Msg("adopting newer sibling snapshot")

	status := cart.StatusLocalOnly
	if e.store.Authenticated() {
		status = cart.StatusSynced
	}
	e.store.ReplaceAll(snap.Cart, snap.Favorites, status)
}

// scheduleRetry pushes the merged state again in the background with
// linear backoff until it lands, auth dies, or the engine is stopped.
func (e *Engine) scheduleRetry(items []cart.CartItem, favs []string) {
	ctx := e.startRetry()
	e.retryWG.Add(1)
	go func() {
		defer e.retryWG.Done()
		for attempt := 1; ; attempt++ {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(attempt) * e.retryBase):
			}

			// Re-read the server set so toggles that landed on an earlier
			// attempt are not repeated and un-toggled.
			serverFavs, err := e.remote.FetchFavorites(ctx)
			if err == nil {
				err = e.push(ctx, items, favs, serverFavs)
			}
			if err == nil {
				return
			}
			var authErr syncclient.AuthError
			if errors.As(err, &authErr) {
				e.demote()
				return
			}
			log.Debug().Err(err).Int("attempt", attempt).Msg("background merge push failed")
		}
	}()
}

// scheduleLoginRetry re-runs the whole login merge (fetch + merge + push).
func (e *Engine) scheduleLoginRetry() {
	ctx := e.startRetry()
	e.retryWG.Add(1)
	go func() {
		defer e.retryWG.Done()
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.retryBase):
		}
		// Fresh context: login itself replaces the retry registration, and
		// reusing ctx would have it cancel its own fetches.
		e.login(context.Background())
	}()
}

func (e *Engine) startRetry() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.retryCancel != nil {
		e.retryCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.retryCancel = cancel
	return ctx
}

func (e *Engine) stopRetry() {
	e.mu.Lock()
	if e.retryCancel != nil {
		e.retryCancel()
		e.retryCancel = nil
	}
	e.mu.Unlock()
}

// WaitRetries blocks until background retry goroutines exit. Test hook.
func (e *Engine) WaitRetries() {
	e.retryWG.Wait()
}
