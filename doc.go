// Package teraproxy resolves file-hosting share links into signed media URLs
// and metadata.
//
// The Resolver is the library entry point. It normalizes share links to bare
// IDs, consults an optional TTL cache, coalesces concurrent lookups for the
// same ID and signs the raw download link for a quality tier:
//
//	r := teraproxy.NewResolver(metadata.New("", nil)).
//		WithCache(cache.NewMemoryStore(), cache.DefaultTTL)
//
//	link, desc, err := r.ResolveURL(ctx, "https://teraboxapp.com/s/1abcDEF", quality.HD)
//
// The HTTP edge service built on top of it lives in package server; the
// command in cmd/teraproxy wires both together.
package teraproxy
