// Package cartstore holds the canonical in-memory cart and favorites state
// for one storefront session. Mutations apply optimistically, persist to
// the local snapshot synchronously, notify subscribers, and then confirm
// against the server in the background when the session is authenticated.
package cartstore

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/aurelle-jewellery/cartsync/internal/cart"
	"github.com/aurelle-jewellery/cartsync/internal/localstore"
	"github.com/aurelle-jewellery/cartsync/internal/syncclient"
)

// Remote is the slice of the sync client the store dispatches to.
// *syncclient.Client satisfies it.
type Remote interface {
	FetchCart(ctx context.Context) ([]cart.CartItem, error)
	ReplaceCart(ctx context.Context, items []cart.CartItem) ([]cart.CartItem, error)
	PatchCart(ctx context.Context, op cart.Op) ([]cart.CartItem, error)
	FetchFavorites(ctx context.Context) ([]string, error)
	ToggleFavorite(ctx context.Context, productID string) ([]string, error)
}

// Line is a cart item plus its sync standing, as exposed to UI.
type Line struct {
	cart.CartItem
	Status cart.SyncStatus `json:"status"`
}

// View is the read model handed to subscribers. It is a copy; holders may
// keep it across frames without racing the store.
type View struct {
	Lines           []Line
	Favorites       []string
	CartStatus      cart.SyncStatus
	FavoritesStatus cart.SyncStatus
	// StorageWarning is set when local persistence is unavailable and the
	// session is running memory-only.
	StorageWarning bool
}

type line struct {
	item   cart.CartItem
	status cart.SyncStatus
}

// Store is the single source of truth for cart and favorites. Construct
// once per session with New and share by pointer.
type Store struct {
	mu     sync.Mutex
	local  *localstore.Store
	remote Remote

	authenticated bool
	storageOK     bool

	lines map[cart.LineKey]*line
	order []cart.LineKey
	favs  map[string]int64 // productID -> addedAt ms

	cartStatus cart.SyncStatus
	favStatus  cart.SyncStatus

	// Stale-response guard: every dispatched remote call captures the
	// collection's sequence number; a response is only adopted when no
	// newer mutation has been dispatched, and never after a newer
	// response has already been applied.
	cartSeq     uint64
	cartApplied uint64
	favSeq      uint64
	favApplied  uint64

	lastSavedMs int64

	subs    map[int]func(View)
	nextSub int

	// onAuthError demotes the session to guest mode; wired by the
	// reconciliation engine.
	onAuthError func()

	// inflight lets tests wait for background confirmations.
	inflight sync.WaitGroup
}

// New creates a store seeded from the persisted snapshot, if any.
func New(local *localstore.Store, remote Remote) *Store {
	s := &Store{
		local:      local,
		remote:     remote,
		storageOK:  true,
		lines:      make(map[cart.LineKey]*line),
		favs:       make(map[string]int64),
		cartStatus: cart.StatusLocalOnly,
		favStatus:  cart.StatusLocalOnly,
		subs:       make(map[int]func(View)),
	}

	snap, err := local.Load()
	if err != nil {
		s.storageOK = false
	}
	if snap != nil {
		s.applySnapshotLocked(snap, cart.StatusLocalOnly)
		s.lastSavedMs = snap.SavedAtMs
	}
	return s
}

// SetOnAuthError registers the guest-demotion hook. Called once during
// engine wiring, before any mutation traffic.
func (s *Store) SetOnAuthError(fn func()) {
	s.mu.Lock()
	s.onAuthError = fn
	s.mu.Unlock()
}

// Subscribe registers a listener invoked after every state change with a
// fresh View. The returned function cancels the subscription.
func (s *Store) Subscribe(fn func(View)) (cancel func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// GetSnapshot returns the current view.
func (s *Store) GetSnapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

// AddToCart adds qty units of the item, merging into an existing line for
// the same (productId, variantKey). qty < 1 is treated as 1.
func (s *Store) AddToCart(ctx context.Context, item cart.CartItem, qty int) {
	if qty < 1 {
		qty = 1
	}

	s.mu.Lock()
	key := item.Key()
	if ln, ok := s.lines[key]; ok {
		ln.item.Quantity += qty
		s.touchLineLocked(ln)
	} else {
		item.Quantity = qty
		if item.AddedAtMs == 0 {
			item.AddedAtMs = cart.NowMs()
		}
		ln := &line{item: item, status: s.freshLineStatusLocked()}
		s.lines[key] = ln
		s.order = append(s.order, key)
	}
	op := cart.Op{Op: cart.OpAdd, ProductID: key.ProductID, VariantKey: key.VariantKey, Quantity: qty, Item: &item}
	s.commitCartLocked(ctx, key, op)
}

// RemoveFromCart deletes the line outright.
func (s *Store) RemoveFromCart(ctx context.Context, productID, variantKey string) {
	s.mu.Lock()
	key := cart.LineKey{ProductID: productID, VariantKey: variantKey}
	if _, ok := s.lines[key]; !ok {
		s.mu.Unlock()
		return
	}
	s.dropLineLocked(key)
	op := cart.Op{Op: cart.OpRemove, ProductID: productID, VariantKey: variantKey}
	s.commitCartLocked(ctx, key, op)
}

// SetQuantity sets the line's quantity. Zero or negative removes the line,
// never leaves a zeroed one.
func (s *Store) SetQuantity(ctx context.Context, productID, variantKey string, qty int) {
	if qty <= 0 {
		s.RemoveFromCart(ctx, productID, variantKey)
		return
	}

	s.mu.Lock()
	key := cart.LineKey{ProductID: productID, VariantKey: variantKey}
	ln, ok := s.lines[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	ln.item.Quantity = qty
	s.touchLineLocked(ln)
	op := cart.Op{Op: cart.OpSetQuantity, ProductID: productID, VariantKey: variantKey, Quantity: qty}
	s.commitCartLocked(ctx, key, op)
}

// ToggleFavorite flips set membership for the product.
func (s *Store) ToggleFavorite(ctx context.Context, productID string) {
	s.mu.Lock()
	if _, ok := s.favs[productID]; ok {
		delete(s.favs, productID)
	} else {
		s.favs[productID] = cart.NowMs()
	}

	if !s.authenticated {
		s.favStatus = cart.StatusLocalOnly
		s.persistLocked()
		s.notifyLocked()
		return
	}

	s.favStatus = cart.StatusSyncing
	s.favSeq++
	seq := s.favSeq
	s.persistLocked()
	s.notifyLocked()

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		ids, err := s.remote.ToggleFavorite(ctx, productID)
		s.applyFavoritesResult(seq, ids, err)
	}()
}

// Retry re-pushes the full cart and re-toggles nothing; it is the manual
// affordance behind the "not saved, retry" indicator. No-op for guests.
func (s *Store) Retry(ctx context.Context) {
	s.mu.Lock()
	if !s.authenticated {
		s.mu.Unlock()
		return
	}
	items := s.itemsLocked()
	s.cartStatus = cart.StatusSyncing
	for _, key := range s.order {
		if s.lines[key].status == cart.StatusError {
			s.lines[key].status = cart.StatusSyncing
		}
	}
	s.cartSeq++
	seq := s.cartSeq
	s.notifyLocked()

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		result, err := s.remote.ReplaceCart(ctx, items)
		s.applyCartResult(seq, cart.LineKey{}, result, err)
	}()
}

// Wait blocks until all in-flight remote confirmations have resolved.
// Test and shutdown hook, not part of the UI contract.
func (s *Store) Wait() {
	s.inflight.Wait()
}

// ---- engine-facing surface ----------------------------------------------

// Items returns a copy of the current cart lines in display order.
func (s *Store) Items() []cart.CartItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.itemsLocked()
}

// FavoriteIDs returns the favorites set as a sorted-insertion list.
func (s *Store) FavoriteIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.favoriteIDsLocked()
}

// Authenticated reports the store's current auth mode.
func (s *Store) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// LastSavedMs reports the savedAt stamp of the most recent snapshot this
// store persisted or adopted. The reconciliation engine compares it with
// external snapshots to detect cross-tab winners.
func (s *Store) LastSavedMs() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSavedMs
}

// Promote flips the store into authenticated mode. The engine follows up
// with a merge; until then lines stay in their current status.
func (s *Store) Promote() {
	s.mu.Lock()
	s.authenticated = true
	s.mu.Unlock()
}

// Demote drops to guest mode without touching cart or favorites contents.
// Per-line statuses return to local-only; whatever the user sees stays.
func (s *Store) Demote() {
	s.mu.Lock()
	s.authenticated = false
	s.cartStatus = cart.StatusLocalOnly
	s.favStatus = cart.StatusLocalOnly
	for _, key := range s.order {
		s.lines[key].status = cart.StatusLocalOnly
	}
	s.cartSeq++ // orphan any in-flight responses
	s.favSeq++
	s.persistLocked()
	s.notifyLocked()
}

// AdoptServerState replaces memory with server-authoritative collections,
// persists the confirmed snapshot as a cache, and notifies.
func (s *Store) AdoptServerState(items []cart.CartItem, favoriteIDs []string) {
	s.mu.Lock()
	s.replaceCartLocked(items, cart.StatusSynced)
	s.replaceFavoritesLocked(favoriteIDs)
	s.cartStatus = cart.StatusSynced
	s.favStatus = cart.StatusSynced
	s.persistLocked()
	s.notifyLocked()
}

// MarkConflict flags both collections as conflicted (merge computed but
// not yet confirmed by the server). Contents are untouched.
func (s *Store) MarkConflict() {
	s.mu.Lock()
	s.cartStatus = cart.StatusConflict
	s.favStatus = cart.StatusConflict
	s.persistLocked()
	s.notifyLocked()
}

// ReplaceAll overwrites both collections in memory and persists. Used by
// the engine for merge results and cross-tab snapshot adoption.
func (s *Store) ReplaceAll(items []cart.CartItem, favoriteIDs []string, status cart.SyncStatus) {
	s.mu.Lock()
	s.replaceCartLocked(items, status)
	s.replaceFavoritesLocked(favoriteIDs)
	s.cartStatus = status
	s.favStatus = status
	s.persistLocked()
	s.notifyLocked()
}

// Reset wipes all state back to an empty guest session.
func (s *Store) Reset() {
	s.mu.Lock()
	s.authenticated = false
	s.lines = make(map[cart.LineKey]*line)
	s.order = nil
	s.favs = make(map[string]int64)
	s.cartStatus = cart.StatusLocalOnly
	s.favStatus = cart.StatusLocalOnly
	s.cartSeq++ // orphan any in-flight responses
	s.favSeq++
	s.persistLocked()
	s.notifyLocked()
}

// ---- internals -----------------------------------------------------------

func (s *Store) freshLineStatusLocked() cart.SyncStatus {
	if s.authenticated {
		return cart.StatusSyncing
	}
	return cart.StatusLocalOnly
}

func (s *Store) touchLineLocked(ln *line) {
	ln.status = s.freshLineStatusLocked()
}

func (s *Store) dropLineLocked(key cart.LineKey) {
	delete(s.lines, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// commitCartLocked finishes a cart mutation: persist, notify, and (when
// authenticated) dispatch the patch. Unlocks s.mu.
func (s *Store) commitCartLocked(ctx context.Context, key cart.LineKey, op cart.Op) {
	if !s.authenticated {
		s.cartStatus = cart.StatusLocalOnly
		s.persistLocked()
		s.notifyLocked()
		return
	}

	s.cartStatus = cart.StatusSyncing
	s.cartSeq++
	seq := s.cartSeq
	s.persistLocked()
	s.notifyLocked()

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		items, err := s.remote.PatchCart(ctx, op)
		s.applyCartResult(seq, key, items, err)
	}()
}

// applyCartResult reconciles a server response (or failure) for the call
// dispatched at seq. key identifies the mutated line for error flagging; a
// zero key means a whole-cart push.
func (s *Store) applyCartResult(seq uint64, key cart.LineKey, items []cart.CartItem, err error) {
	s.mu.Lock()

	if seq <= s.cartApplied {
		// A newer response already landed; this one is stale either way.
		s.mu.Unlock()
		return
	}

	if err != nil {
		var authErr syncclient.AuthError
		var valErr syncclient.ValidationError
		switch {
		case errors.As(err, &authErr):
			log.Warn().Err(err).Msg("cart sync rejected auth, demoting to guest")
			hook := s.onAuthError
			s.mu.Unlock()
			if hook != nil {
				hook()
			}
			return

		case errors.As(err, &valErr):
			// Server rejected the op; its items are the corrected truth.
			log.Warn().Str("reason", valErr.Message).Msg("cart mutation rejected by server")
			s.cartApplied = seq
			if seq < s.cartSeq {
				// A newer mutation is already in flight; its own response
				// carries the corrected truth.
				s.mu.Unlock()
				return
			}
			if valErr.Items != nil {
				s.replaceCartLocked(valErr.Items, cart.StatusSynced)
				s.cartStatus = cart.StatusSynced
			} else if ln, ok := s.lines[key]; ok {
				ln.status = cart.StatusError
				s.cartStatus = cart.StatusError
			}
			s.persistLocked()
			s.notifyLocked()
			return

		default:
			// NetworkError. Keep the optimistic state, flag the line, let
			// the user retry.
			log.Warn().Err(err).Msg("cart sync failed, keeping optimistic state")
			s.cartApplied = seq
			if ln, ok := s.lines[key]; ok {
				ln.status = cart.StatusError
			}
			s.cartStatus = cart.StatusError
			s.persistLocked()
			s.notifyLocked()
			return
		}
	}

	s.cartApplied = seq
	if seq < s.cartSeq {
		// A newer mutation is already in flight; adopting this response
		// would regress its optimistic state. Its own response carries the
		// up-to-date truth.
		s.mu.Unlock()
		return
	}

	s.replaceCartLocked(items, cart.StatusSynced)
	s.cartStatus = cart.StatusSynced
	s.persistLocked()
	s.notifyLocked()
}

func (s *Store) applyFavoritesResult(seq uint64, ids []string, err error) {
	s.mu.Lock()

	if seq <= s.favApplied {
		s.mu.Unlock()
		return
	}

	if err != nil {
		var authErr syncclient.AuthError
		if errors.As(err, &authErr) {
			log.Warn().Err(err).Msg("favorites sync rejected auth, demoting to guest")
			hook := s.onAuthError
			s.mu.Unlock()
			if hook != nil {
				hook()
			}
			return
		}

		log.Warn().Err(err).Msg("favorites sync failed, keeping optimistic state")
		s.favApplied = seq
		s.favStatus = cart.StatusError
		s.persistLocked()
		s.notifyLocked()
		return
	}

	s.favApplied = seq
	if seq < s.favSeq {
		s.mu.Unlock()
		return
	}

	s.replaceFavoritesLocked(ids)
	s.favStatus = cart.StatusSynced
	s.persistLocked()
	s.notifyLocked()
}

func (s *Store) replaceCartLocked(items []cart.CartItem, status cart.SyncStatus) {
	s.lines = make(map[cart.LineKey]*line, len(items))
	s.order = s.order[:0]
	for _, it := range items {
		key := it.Key()
		if existing, ok := s.lines[key]; ok {
			existing.item.Quantity += it.Quantity
			continue
		}
		s.lines[key] = &line{item: it, status: status}
		s.order = append(s.order, key)
	}
}

func (s *Store) replaceFavoritesLocked(ids []string) {
	now := cart.NowMs()
	favs := make(map[string]int64, len(ids))
	for _, id := range ids {
		if prev, ok := s.favs[id]; ok {
			favs[id] = prev
		} else {
			favs[id] = now
		}
	}
	s.favs = favs
}

func (s *Store) applySnapshotLocked(snap *cart.Snapshot, status cart.SyncStatus) {
	s.replaceCartLocked(snap.Cart, status)
	s.replaceFavoritesLocked(snap.Favorites)
	s.cartStatus = status
	s.favStatus = status
}

// persistLocked writes the snapshot synchronously. Storage failures never
// propagate; the store degrades to memory-only and raises the warning flag.
func (s *Store) persistLocked() {
	if !s.storageOK {
		return
	}
	snap := cart.Snapshot{
		SchemaVersion: cart.SchemaVersion,
		Cart:          s.itemsLocked(),
		Favorites:     s.favoriteIDsLocked(),
		SavedAtMs:     cart.NowMs(),
	}
	if err := s.local.Save(snap); err != nil {
		log.Warn().Err(err).Msg("local persistence unavailable, continuing in memory")
		s.storageOK = false
		return
	}
	s.lastSavedMs = snap.SavedAtMs
}

func (s *Store) itemsLocked() []cart.CartItem {
	items := make([]cart.CartItem, 0, len(s.order))
	for _, key := range s.order {
		items = append(items, s.lines[key].item)
	}
	return items
}

func (s *Store) favoriteIDsLocked() []string {
	ids := make([]string, 0, len(s.favs))
	for id := range s.favs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Store) viewLocked() View {
	v := View{
		Lines:           make([]Line, 0, len(s.order)),
		Favorites:       s.favoriteIDsLocked(),
		CartStatus:      s.cartStatus,
		FavoritesStatus: s.favStatus,
		StorageWarning:  !s.storageOK,
	}
	for _, key := range s.order {
		ln := s.lines[key]
		v.Lines = append(v.Lines, Line{CartItem: ln.item, Status: ln.status})
	}
	return v
}

// notifyLocked snapshots the subscriber list and view, releases the lock,
// and invokes listeners. Listeners may call back into the store.
func (s *Store) notifyLocked() {
	v := s.viewLocked()
	subs := make([]func(View), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(v)
	}
}
