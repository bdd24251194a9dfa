package reconcile

import (
	"sort"

	"github.com/aurelle-jewellery/cartsync/internal/cart"
)

// MergeCarts combines a guest cart with a server cart. Lines sharing a
// (productId, variantKey) key sum their quantities; everything else is
// kept from whichever side has it. Stock caps are the server's job on the
// subsequent replace, not ours. Output is ordered by addedAt (then key)
// so the merged cart reads in acquisition order.
func MergeCarts(local, remote []cart.CartItem) []cart.CartItem {
	merged := make(map[cart.LineKey]cart.CartItem, len(local)+len(remote))

	for _, it := range remote {
		key := it.Key()
		if prev, ok := merged[key]; ok {
			prev.Quantity += it.Quantity
			merged[key] = prev
			continue
		}
		merged[key] = it
	}

	for _, it := range local {
		key := it.Key()
		prev, ok := merged[key]
		if !ok {
			merged[key] = it
			continue
		}
		prev.Quantity += it.Quantity
		// The server side carries authoritative pricing; keep its display
		// fields and take the older addedAt for stable ordering.
		if it.AddedAtMs != 0 && (prev.AddedAtMs == 0 || it.AddedAtMs < prev.AddedAtMs) {
			prev.AddedAtMs = it.AddedAtMs
		}
		merged[key] = prev
	}

	out := make([]cart.CartItem, 0, len(merged))
	for _, it := range merged {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AddedAtMs != out[j].AddedAtMs {
			return out[i].AddedAtMs < out[j].AddedAtMs
		}
		if out[i].ProductID != out[j].ProductID {
			return out[i].ProductID < out[j].ProductID
		}
		return out[i].VariantKey < out[j].VariantKey
	})
	return out
}

// MergeFavorites unions two favorites sets. Idempotent; output sorted.
func MergeFavorites(local, remote []string) []string {
	seen := make(map[string]bool, len(local)+len(remote))
	out := make([]string, 0, len(local)+len(remote))
	for _, id := range remote {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range local {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
